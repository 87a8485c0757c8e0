package baker //nolint:testpackage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/alecthomas/errors"

	"github.com/fedora-eln/distrobaker/internal/config"
	"github.com/fedora-eln/distrobaker/internal/messaging"
	"github.com/fedora-eln/distrobaker/internal/state"
)

type engineCall struct {
	Op   string
	NS   config.Namespace
	Comp string
	Arg  string
}

type fakeEngine struct {
	calls     []engineCall
	ref       string
	task      int64
	triggers  map[string]struct{}
	syncErr   error
	buildErr  error
	gatherErr error
}

func (e *fakeEngine) SyncRepo(_ context.Context, ns config.Namespace, comp, nvr string) (string, error) {
	e.calls = append(e.calls, engineCall{"SyncRepo", ns, comp, nvr})
	if e.syncErr != nil {
		return "", e.syncErr
	}
	return e.ref, nil
}

func (e *fakeEngine) BuildComp(_ context.Context, ns config.Namespace, comp, ref string) (int64, error) {
	e.calls = append(e.calls, engineCall{"BuildComp", ns, comp, ref})
	if e.buildErr != nil {
		return 0, e.buildErr
	}
	return e.task, nil
}

func (e *fakeEngine) GatherTriggers(_ context.Context) (map[string]struct{}, error) {
	e.calls = append(e.calls, engineCall{Op: "GatherTriggers"})
	return e.triggers, e.gatherErr
}

func (e *fakeEngine) syncs() []engineCall {
	var syncs []engineCall
	for _, c := range e.calls {
		if c.Op == "SyncRepo" {
			syncs = append(syncs, c)
		}
	}
	return syncs
}

func dispatcherConfig() *config.Config {
	return &config.Config{
		Main: config.Main{
			Trigger: config.Trigger{RPMs: "eln-candidate", Modules: "eln-modules-candidate"},
			Control: config.Control{Build: true},
		},
		Comps: map[config.Namespace]map[string]config.Component{
			config.NamespaceRPMs: {"gzip": {Source: "gzip#f39", Destination: "gzip#master"}},
		},
	}
}

func openJournal(t *testing.T) *state.Journal {
	t.Helper()
	journal, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	assert.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, journal.Close()) })
	return journal
}

func tagMessage(t *testing.T, name, version, release, tag string) messaging.Message {
	t.Helper()
	body, err := json.Marshal(map[string]string{"name": name, "version": version, "release": release, "tag": tag})
	assert.NoError(t, err)
	return messaging.Message{Topic: "org.fedoraproject.prod.buildsys.tag", Body: body}
}

func TestProcessMessageTrigger(t *testing.T) {
	engine := &fakeEngine{ref: "deadbeef", task: 93752}
	journal := openJournal(t)
	d := NewDispatcher(staticConfig{dispatcherConfig()}, engine, journal)

	err := d.ProcessMessage(testCtx(), tagMessage(t, "gzip", "1.12", "1.fc39", "eln-candidate"))
	assert.NoError(t, err)
	assert.Equal(t, []engineCall{
		{"SyncRepo", config.NamespaceRPMs, "gzip", "gzip-1.12-1.fc39"},
		{"BuildComp", config.NamespaceRPMs, "gzip", "deadbeef"},
	}, engine.calls)

	records, err := journal.List()
	assert.NoError(t, err)
	assert.Equal(t, 1, len(records))
	assert.Equal(t, state.StatusSubmitted, records[0].Status)
	assert.Equal(t, "gzip-1.12-1.fc39", records[0].NVR)
	assert.Equal(t, "deadbeef", records[0].Ref)
	assert.Equal(t, int64(93752), records[0].TaskID)
}

func TestProcessMessageIgnored(t *testing.T) {
	engine := &fakeEngine{ref: "deadbeef", task: 1}
	d := NewDispatcher(staticConfig{dispatcherConfig()}, engine, nil)

	// Unrelated topics, unknown tags and module triggers are all dropped
	// without touching the pipeline.
	err := d.ProcessMessage(testCtx(), messaging.Message{Topic: "org.fedoraproject.prod.buildsys.build.state.change", Body: []byte("{}")})
	assert.NoError(t, err)
	err = d.ProcessMessage(testCtx(), tagMessage(t, "gzip", "1.12", "1.fc39", "f39-updates"))
	assert.NoError(t, err)
	err = d.ProcessMessage(testCtx(), tagMessage(t, "testmodule", "master", "20210324.c0ffee43", "eln-modules-candidate"))
	assert.NoError(t, err)
	assert.Equal(t, 0, len(engine.calls))
}

func TestProcessMessageMalformedBody(t *testing.T) {
	engine := &fakeEngine{}
	d := NewDispatcher(staticConfig{dispatcherConfig()}, engine, nil)

	err := d.ProcessMessage(testCtx(), messaging.Message{Topic: "org.fedoraproject.prod.buildsys.tag", Body: []byte("not json")})
	assert.Error(t, err)
	assert.Equal(t, 0, len(engine.calls))
}

func TestProcessMessageStrictMode(t *testing.T) {
	cfg := dispatcherConfig()
	cfg.Main.Control.Strict = true
	engine := &fakeEngine{ref: "deadbeef", task: 1}
	d := NewDispatcher(staticConfig{cfg}, engine, nil)

	err := d.ProcessMessage(testCtx(), tagMessage(t, "bzip2", "1.0.8", "10.fc39", "eln-candidate"))
	assert.NoError(t, err)
	assert.Equal(t, 0, len(engine.calls))

	err = d.ProcessMessage(testCtx(), tagMessage(t, "gzip", "1.12", "1.fc39", "eln-candidate"))
	assert.NoError(t, err)
	assert.Equal(t, 2, len(engine.calls))
}

func TestProcessMessageExcluded(t *testing.T) {
	cfg := dispatcherConfig()
	cfg.Main.Control.Exclude = map[config.Namespace]map[string]bool{
		config.NamespaceRPMs: {"gzip": true},
	}
	engine := &fakeEngine{}
	d := NewDispatcher(staticConfig{cfg}, engine, nil)

	err := d.ProcessMessage(testCtx(), tagMessage(t, "gzip", "1.12", "1.fc39", "eln-candidate"))
	assert.NoError(t, err)
	assert.Equal(t, 0, len(engine.calls))
}

func TestProcessMessageSyncFailure(t *testing.T) {
	engine := &fakeEngine{syncErr: errors.New("clone failed")}
	journal := openJournal(t)
	d := NewDispatcher(staticConfig{dispatcherConfig()}, engine, journal)

	err := d.ProcessMessage(testCtx(), tagMessage(t, "gzip", "1.12", "1.fc39", "eln-candidate"))
	assert.Error(t, err)
	assert.Equal(t, 1, len(engine.calls))

	records, err := journal.List()
	assert.NoError(t, err)
	assert.Equal(t, 1, len(records))
	assert.Equal(t, state.StatusFailed, records[0].Status)
	assert.Equal(t, "gzip-1.12-1.fc39", records[0].NVR)
}

func TestProcessMessageBuildFailure(t *testing.T) {
	engine := &fakeEngine{ref: "deadbeef", buildErr: errors.New("koji down")}
	journal := openJournal(t)
	d := NewDispatcher(staticConfig{dispatcherConfig()}, engine, journal)

	err := d.ProcessMessage(testCtx(), tagMessage(t, "gzip", "1.12", "1.fc39", "eln-candidate"))
	assert.Error(t, err)
	assert.Equal(t, 2, len(engine.calls))

	// The repository sync still counts even when the build never made it.
	records, err := journal.List()
	assert.NoError(t, err)
	assert.Equal(t, state.StatusSynced, records[0].Status)
	assert.Equal(t, "deadbeef", records[0].Ref)
}

func TestProcessMessageBuildDisabled(t *testing.T) {
	cfg := dispatcherConfig()
	cfg.Main.Control.Build = false
	engine := &fakeEngine{ref: "deadbeef"}
	journal := openJournal(t)
	d := NewDispatcher(staticConfig{cfg}, engine, journal)

	err := d.ProcessMessage(testCtx(), tagMessage(t, "gzip", "1.12", "1.fc39", "eln-candidate"))
	assert.NoError(t, err)
	assert.Equal(t, []engineCall{{"SyncRepo", config.NamespaceRPMs, "gzip", "gzip-1.12-1.fc39"}}, engine.calls)

	records, err := journal.List()
	assert.NoError(t, err)
	assert.Equal(t, state.StatusSynced, records[0].Status)
}

func TestProcessMessageNotConfigured(t *testing.T) {
	d := NewDispatcher(staticConfig{nil}, &fakeEngine{}, nil)

	err := d.ProcessMessage(testCtx(), tagMessage(t, "gzip", "1.12", "1.fc39", "eln-candidate"))
	assert.IsError(t, err, ErrNotConfigured)
}

func TestProcessComponentsGathersTriggers(t *testing.T) {
	engine := &fakeEngine{ref: "deadbeef", task: 1, triggers: map[string]struct{}{
		"rpms/gzip":                 {},
		"rpms/bzip2":                {},
		"modules/testmodule:master": {},
		"modules/perl:5.32":         {},
	}}
	d := NewDispatcher(staticConfig{dispatcherConfig()}, engine, nil)

	processed, skipped, err := d.ProcessComponents(testCtx(), nil)
	assert.NoError(t, err)
	assert.Equal(t, 4, processed)
	assert.Equal(t, 0, skipped)
	assert.Equal(t, "GatherTriggers", engine.calls[0].Op)
	assert.Equal(t, []engineCall{
		{"SyncRepo", config.NamespaceModules, "perl:5.32", ""},
		{"SyncRepo", config.NamespaceModules, "testmodule:master", ""},
		{"SyncRepo", config.NamespaceRPMs, "bzip2", ""},
		{"SyncRepo", config.NamespaceRPMs, "gzip", ""},
	}, engine.syncs())
}

func TestProcessComponentsGatherFailure(t *testing.T) {
	engine := &fakeEngine{gatherErr: errors.New("hub down")}
	d := NewDispatcher(staticConfig{dispatcherConfig()}, engine, nil)

	_, _, err := d.ProcessComponents(testCtx(), nil)
	assert.Error(t, err)
	assert.Equal(t, 0, len(engine.syncs()))
}

func TestProcessComponentsExplicitSet(t *testing.T) {
	engine := &fakeEngine{ref: "deadbeef", task: 1}
	d := NewDispatcher(staticConfig{dispatcherConfig()}, engine, nil)

	processed, skipped, err := d.ProcessComponents(testCtx(), map[string]struct{}{
		"rpms/ZLIB":  {},
		"rpms/bzip2": {},
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, processed)
	assert.Equal(t, 0, skipped)
	// Ordering is case insensitive, and the trigger tags are not consulted.
	assert.Equal(t, "SyncRepo", engine.calls[0].Op)
	assert.Equal(t, []engineCall{
		{"SyncRepo", config.NamespaceRPMs, "bzip2", ""},
		{"SyncRepo", config.NamespaceRPMs, "ZLIB", ""},
	}, engine.syncs())
}

func TestProcessComponentsSkips(t *testing.T) {
	cfg := dispatcherConfig()
	cfg.Main.Control.Strict = true
	cfg.Main.Control.Exclude = map[config.Namespace]map[string]bool{
		config.NamespaceRPMs: {"vim": true},
	}
	engine := &fakeEngine{ref: "deadbeef", task: 1}
	d := NewDispatcher(staticConfig{cfg}, engine, nil)

	processed, skipped, err := d.ProcessComponents(testCtx(), map[string]struct{}{
		"rpms/gzip":   {},
		"rpms/vim":    {},
		"rpms/bzip2":  {},
		"no such key": {},
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 3, skipped)
	assert.Equal(t, []engineCall{{"SyncRepo", config.NamespaceRPMs, "gzip", ""}}, engine.syncs())
}

func TestProcessComponentsSyncFailureContinues(t *testing.T) {
	engine := &fakeEngine{syncErr: errors.New("boom")}
	journal := openJournal(t)
	d := NewDispatcher(staticConfig{dispatcherConfig()}, engine, journal)

	processed, skipped, err := d.ProcessComponents(testCtx(), map[string]struct{}{
		"rpms/gzip":  {},
		"rpms/bzip2": {},
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, processed)
	assert.Equal(t, 0, skipped)
	assert.Equal(t, 2, len(engine.syncs()))
	assert.Equal(t, 2, len(engine.calls))

	records, err := journal.List()
	assert.NoError(t, err)
	assert.Equal(t, 2, len(records))
	assert.Equal(t, state.StatusFailed, records[0].Status)
	assert.Equal(t, state.StatusFailed, records[1].Status)
}

func TestProcessComponentsBuildDisabled(t *testing.T) {
	cfg := dispatcherConfig()
	cfg.Main.Control.Build = false
	engine := &fakeEngine{ref: "deadbeef"}
	journal := openJournal(t)
	d := NewDispatcher(staticConfig{cfg}, engine, journal)

	processed, _, err := d.ProcessComponents(testCtx(), map[string]struct{}{"rpms/gzip": {}})
	assert.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, len(engine.calls))

	records, err := journal.List()
	assert.NoError(t, err)
	assert.Equal(t, state.StatusSynced, records[0].Status)
	assert.Equal(t, "deadbeef", records[0].Ref)
}

func TestProcessComponentsNotConfigured(t *testing.T) {
	d := NewDispatcher(staticConfig{nil}, &fakeEngine{}, nil)

	_, _, err := d.ProcessComponents(testCtx(), nil)
	assert.IsError(t, err, ErrNotConfigured)
}
