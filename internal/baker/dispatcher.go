package baker

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/alecthomas/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fedora-eln/distrobaker/internal/config"
	"github.com/fedora-eln/distrobaker/internal/logging"
	"github.com/fedora-eln/distrobaker/internal/messaging"
	"github.com/fedora-eln/distrobaker/internal/metrics"
	"github.com/fedora-eln/distrobaker/internal/state"
)

// Engine is the part of the Pipeline the Dispatcher drives.
type Engine interface {
	SyncRepo(ctx context.Context, ns config.Namespace, comp, nvr string) (string, error)
	BuildComp(ctx context.Context, ns config.Namespace, comp, ref string) (int64, error)
	GatherTriggers(ctx context.Context) (map[string]struct{}, error)
}

var compRe = regexp.MustCompile(`^(rpms|modules)/([A-Za-z0-9:._+-]+)$`)

// Dispatcher turns tagging events and batch selections into pipeline runs
// and journals the outcome of each component.
type Dispatcher struct {
	source  ConfigSource
	engine  Engine
	journal *state.Journal
}

func NewDispatcher(source ConfigSource, engine Engine, journal *state.Journal) *Dispatcher {
	return &Dispatcher{source: source, engine: engine, journal: journal}
}

// tagEvent is the payload of a buildsys.tag message.
type tagEvent struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Release string `json:"release"`
	Tag     string `json:"tag"`
}

// ProcessMessage handles one message bus delivery. Only tagging events for
// the configured trigger tags do anything; everything else is logged and
// dropped so the queue keeps draining.
func (d *Dispatcher) ProcessMessage(ctx context.Context, msg messaging.Message) error {
	logger := logging.FromContext(ctx)
	cfg := d.source.Config()
	if cfg == nil {
		logging.Critical(ctx, "DistroBaker is not configured, aborting.")
		return errors.WithStack(ErrNotConfigured)
	}
	logger.DebugContext(ctx, fmt.Sprintf("Received a message with topic %s.", msg.Topic))
	metrics.FromContext(ctx).RecordCount(ctx, "message.received", 1, attribute.String("topic", msg.Topic))
	if !strings.HasSuffix(msg.Topic, "buildsys.tag") {
		logger.WarnContext(ctx, fmt.Sprintf("Unable to handle %s topics, ignoring.", msg.Topic))
		return nil
	}
	logger.DebugContext(ctx, "Processing a tagging event message.")
	var event tagEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		logger.ErrorContext(ctx, "Failed to process the message.", "error", err)
		return errors.Wrap(err, "decode tag event")
	}
	logger.DebugContext(ctx, fmt.Sprintf("Tagging event for %s, tag %s received.", event.Name, event.Tag))
	switch event.Tag {
	case cfg.Main.Trigger.RPMs:
		logger.DebugContext(ctx, "Message tag configured as an RPM trigger, processing.")
		ns, comp := config.NamespaceRPMs, event.Name
		if cfg.Main.Control.Strict && !cfg.Configured(ns, comp) {
			logger.DebugContext(ctx, fmt.Sprintf("RPM component %s not configured for sync and the strict mode is enabled, ignoring.", comp))
			return nil
		}
		logger.InfoContext(ctx, fmt.Sprintf("Handling an RPM trigger for %s, tag %s.", comp, event.Tag))
		if cfg.Excluded(ns, comp) {
			logger.InfoContext(ctx, fmt.Sprintf("The rpms/%s component is excluded from sync, skipping.", comp))
			metrics.FromContext(ctx).RecordCount(ctx, "component.skipped", 1, compAttr(ns, comp))
			return nil
		}
		nvr := fmt.Sprintf("%s-%s-%s", event.Name, event.Version, event.Release)
		ref, err := d.engine.SyncRepo(ctx, ns, comp, nvr)
		if err != nil {
			logger.ErrorContext(ctx, fmt.Sprintf("Synchronization of %s/%s failed, aborting trigger.", ns, comp))
			d.record(ctx, state.Record{Namespace: string(ns), Component: comp, NVR: nvr, Status: state.StatusFailed})
			return err
		}
		if !cfg.Main.Control.Build {
			logger.InfoContext(ctx, fmt.Sprintf("Build submission disabled, not submitting a build for %s/%s.", ns, comp))
			d.record(ctx, state.Record{Namespace: string(ns), Component: comp, NVR: nvr, Ref: ref, Status: state.StatusSynced})
			return nil
		}
		task, err := d.engine.BuildComp(ctx, ns, comp, ref)
		if err != nil {
			logger.ErrorContext(ctx, fmt.Sprintf("Build submission of %s/%s failed, aborting trigger.", ns, comp))
			d.record(ctx, state.Record{Namespace: string(ns), Component: comp, NVR: nvr, Ref: ref, Status: state.StatusSynced})
			return err
		}
		logger.InfoContext(ctx, fmt.Sprintf("Build submission of %s/%s complete, task %d, trigger processed.", ns, comp, task))
		d.record(ctx, state.Record{Namespace: string(ns), Component: comp, NVR: nvr, Ref: ref, TaskID: task, Status: state.StatusSubmitted})
		return nil
	case cfg.Main.Trigger.Modules:
		logger.ErrorContext(ctx, "The message matches our module configuration but module building not implemented, ignoring.")
		return nil
	default:
		logger.DebugContext(ctx, "Message tag not configured as a trigger, ignoring.")
		return nil
	}
}

// ProcessComponents synchronizes the given ns/component set, or everything
// currently tagged in the trigger tags when the set is empty. Failures skip
// to the next component rather than aborting the batch; processed counts
// every component a sync was attempted for.
func (d *Dispatcher) ProcessComponents(ctx context.Context, compset map[string]struct{}) (processed, skipped int, err error) {
	logger := logging.FromContext(ctx)
	cfg := d.source.Config()
	if cfg == nil {
		logging.Critical(ctx, "DistroBaker is not configured, aborting.")
		return 0, 0, errors.WithStack(ErrNotConfigured)
	}
	if len(compset) == 0 {
		logger.DebugContext(ctx, "No components selected, gathering components from triggers.")
		if compset, err = d.engine.GatherTriggers(ctx); err != nil {
			return 0, 0, err
		}
	}
	logger.InfoContext(ctx, fmt.Sprintf("Processing %d component(s).", len(compset)))
	comps := make([]string, 0, len(compset))
	for rec := range compset {
		comps = append(comps, rec)
	}
	slices.SortFunc(comps, func(a, b string) int {
		return strings.Compare(strings.ToLower(a), strings.ToLower(b))
	})
	for _, rec := range comps {
		m := compRe.FindStringSubmatch(rec)
		if m == nil {
			logger.ErrorContext(ctx, fmt.Sprintf("Cannot process %s; looks like garbage.", rec))
			continue
		}
		ns, comp := config.Namespace(m[1]), m[2]
		logger.InfoContext(ctx, fmt.Sprintf("Processing %s.", rec))
		if cfg.Excluded(ns, comp) {
			logger.InfoContext(ctx, fmt.Sprintf("The %s/%s component is excluded from sync, skipping.", ns, comp))
			metrics.FromContext(ctx).RecordCount(ctx, "component.skipped", 1, compAttr(ns, comp))
			continue
		}
		if cfg.Main.Control.Strict && !cfg.Configured(ns, comp) {
			logger.InfoContext(ctx, fmt.Sprintf("The %s/%s component not configured while the strict mode is enabled, ignoring.", ns, comp))
			metrics.FromContext(ctx).RecordCount(ctx, "component.skipped", 1, compAttr(ns, comp))
			continue
		}
		d.syncOne(ctx, ns, comp)
		processed++
		logger.InfoContext(ctx, fmt.Sprintf("Done processing %s.", rec))
	}
	skipped = len(compset) - processed
	logger.InfoContext(ctx, fmt.Sprintf("Synchronized %d component(s), %d skipped.", processed, skipped))
	return processed, skipped, nil
}

// syncOne runs the full sync and optional build for one component, recording
// the outcome in the journal. Errors are already logged by the pipeline.
func (d *Dispatcher) syncOne(ctx context.Context, ns config.Namespace, comp string) {
	cfg := d.source.Config()
	ref, err := d.engine.SyncRepo(ctx, ns, comp, "")
	if err != nil {
		d.record(ctx, state.Record{Namespace: string(ns), Component: comp, Status: state.StatusFailed})
		return
	}
	if !cfg.Main.Control.Build {
		d.record(ctx, state.Record{Namespace: string(ns), Component: comp, Ref: ref, Status: state.StatusSynced})
		return
	}
	task, err := d.engine.BuildComp(ctx, ns, comp, ref)
	if err != nil {
		d.record(ctx, state.Record{Namespace: string(ns), Component: comp, Ref: ref, Status: state.StatusSynced})
		return
	}
	d.record(ctx, state.Record{Namespace: string(ns), Component: comp, Ref: ref, TaskID: task, Status: state.StatusSubmitted})
}

func (d *Dispatcher) record(ctx context.Context, rec state.Record) {
	if err := d.journal.Record(rec); err != nil {
		logging.FromContext(ctx).WarnContext(ctx, fmt.Sprintf("Failed to record the %s/%s state.", rec.Namespace, rec.Component), "error", err)
	}
}
