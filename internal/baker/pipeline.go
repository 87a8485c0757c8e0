// Package baker synchronizes component repositories, lookaside artifacts and
// builds from the source distribution to the destination. The Pipeline does
// the work for a single component; the Dispatcher routes bus messages and
// batch selections onto it.
package baker

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fedora-eln/distrobaker/internal/buildsys"
	"github.com/fedora-eln/distrobaker/internal/config"
	"github.com/fedora-eln/distrobaker/internal/gitcmd"
	"github.com/fedora-eln/distrobaker/internal/logging"
	"github.com/fedora-eln/distrobaker/internal/lookaside"
	"github.com/fedora-eln/distrobaker/internal/metrics"
	"github.com/fedora-eln/distrobaker/internal/retry"
	"github.com/fedora-eln/distrobaker/internal/scmurl"
	"github.com/fedora-eln/distrobaker/internal/sources"
)

var (
	ErrNotConfigured = errors.New("not configured")
	ErrExcluded      = errors.New("component excluded")
	ErrUnimplemented = errors.New("not implemented")
)

const defaultRef = "master"

// ConfigSource provides the active configuration snapshot.
type ConfigSource interface {
	Config() *config.Config
}

// SessionSource provides build system sessions by Koji profile name.
type SessionSource interface {
	Session(ctx context.Context, profile string) (buildsys.Session, error)
}

// Options tune pipeline behavior.
type Options struct {
	// Retries is how many times transient operations are attempted.
	Retries int
	// DryRun suppresses every destination mutation: pushes carry --dry-run,
	// nothing is uploaded to the lookaside and no builds are submitted.
	DryRun bool
}

// Pipeline synchronizes one component at a time from the source distribution
// to the destination.
type Pipeline struct {
	source   ConfigSource
	sessions SessionSource
	opener   lookaside.Opener
	retries  int
	dryRun   bool
}

func NewPipeline(source ConfigSource, sessions SessionSource, opener lookaside.Opener, opts Options) *Pipeline {
	retries := opts.Retries
	if retries < 1 {
		retries = 1
	}
	if opener == nil {
		opener = lookaside.Open
	}
	return &Pipeline{
		source:   source,
		sessions: sessions,
		opener:   opener,
		retries:  retries,
		dryRun:   opts.DryRun,
	}
}

// guard fetches the active configuration and refuses excluded components.
// Both refusals are hard stops that must happen before any I/O.
func (p *Pipeline) guard(ctx context.Context, ns config.Namespace, comp string) (*config.Config, error) {
	cfg := p.source.Config()
	if cfg == nil {
		logging.Critical(ctx, "DistroBaker is not configured, aborting.")
		return nil, errors.WithStack(ErrNotConfigured)
	}
	if cfg.Excluded(ns, comp) {
		logging.Critical(ctx, fmt.Sprintf("The component %s/%s is excluded from sync, aborting.", ns, comp))
		return nil, errors.WithStack(ErrExcluded)
	}
	return cfg, nil
}

func compAttr(ns config.Namespace, comp string) attribute.KeyValue {
	return attribute.String("component", string(ns)+"/"+comp)
}

func recordOp(ctx context.Context, operation string, start time.Time, err error, attrs ...attribute.KeyValue) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.FromContext(ctx).RecordOperation(ctx, operation, result, time.Since(start), attrs...)
}

// SyncRepo synchronizes the component's SCM repository for nvr, resolving
// the latest trigger-tagged build when nvr is empty. Returns the revision
// pushed to the destination. Calls SyncCache when the source manifests
// diverge; never submits builds.
func (p *Pipeline) SyncRepo(ctx context.Context, ns config.Namespace, comp, nvr string) (ref string, err error) {
	start := time.Now()
	defer func() { recordOp(ctx, "repo.sync", start, err, compAttr(ns, comp)) }()

	logger := logging.FromContext(ctx)
	cfg, err := p.guard(ctx, ns, comp)
	if err != nil {
		return "", err
	}
	logger.InfoContext(ctx, fmt.Sprintf("Synchronizing SCM for %s/%s.", ns, comp))
	if nvr == "" {
		if nvr, err = p.GetBuild(ctx, ns, comp); err != nil {
			logger.ErrorContext(ctx, fmt.Sprintf("NVR not specified and no builds for %s/%s could be found, skipping.", ns, comp), "error", err)
			return "", err
		}
	}
	logger.DebugContext(ctx, fmt.Sprintf("Processing %s/%s: %s", ns, comp, nvr))

	tmp, err := os.MkdirTemp("", fmt.Sprintf("repo-%s-%s-", ns, comp))
	if err != nil {
		return "", errors.Wrap(err, "create scratch directory")
	}
	defer os.RemoveAll(tmp)
	logger.DebugContext(ctx, fmt.Sprintf("Temporary directory created: %s", tmp))

	bsrc, err := p.GetSCMURL(ctx, nvr)
	if err != nil {
		logger.ErrorContext(ctx, fmt.Sprintf("Could not find build SCMURL for %s/%s: %s, skipping.", ns, comp, nvr), "error", err)
		return "", err
	}
	bscm := scmurl.Split(bsrc)

	names := cfg.Component(ns, comp)
	sscm := scmurl.Split(fmt.Sprintf("%s/%s/%s", cfg.Main.Source.SCM, ns, names.Source))
	dscm := scmurl.Split(fmt.Sprintf("%s/%s/%s", cfg.Main.Destination.SCM, ns, names.Destination))
	if dscm.Ref == "" {
		dscm.Ref = defaultRef
	}

	logger.DebugContext(ctx, fmt.Sprintf("Cloning %s/%s from %s/%s/%s", ns, comp, cfg.Main.Destination.SCM, ns, names.Destination))
	dir := filepath.Join(tmp, "repo")
	var repo *gitcmd.Repo
	err = retry.Do(ctx, p.retries, "Cloning", func() error {
		if err := os.RemoveAll(dir); err != nil {
			return errors.WithStack(err)
		}
		cloned, err := gitcmd.Clone(ctx, dscm.Link, dir, gitcmd.CloneOptions{Branch: dscm.Ref, Depth: 1})
		if err != nil {
			return err
		}
		repo = cloned
		return nil
	})
	if err != nil {
		logger.ErrorContext(ctx, fmt.Sprintf("Exhausted cloning attempts for %s/%s, skipping.", ns, comp), "error", err)
		return "", err
	}
	logger.DebugContext(ctx, fmt.Sprintf("Successfully cloned %s/%s.", ns, comp))

	logger.DebugContext(ctx, fmt.Sprintf("Fetching upstream repository for %s/%s.", ns, comp))
	if sscm.Ref != "" {
		logger.DebugContext(ctx, fmt.Sprintf("Fetching the %s upstream branch for %s/%s.", sscm.Ref, ns, comp))
	} else {
		logger.DebugContext(ctx, fmt.Sprintf("Fetching all upstream branches for %s/%s.", ns, comp))
	}
	if err := repo.AddRemote(ctx, "source", sscm.Link); err != nil {
		return "", err
	}
	err = retry.Do(ctx, p.retries, "Fetching upstream", func() error {
		if sscm.Ref != "" {
			return repo.Fetch(ctx, "source", sscm.Ref)
		}
		return repo.Fetch(ctx, "--all")
	})
	if err != nil {
		logger.ErrorContext(ctx, fmt.Sprintf("Exhausted upstream fetching attempts for %s/%s, skipping.", ns, comp), "error", err)
		return "", err
	}
	logger.DebugContext(ctx, fmt.Sprintf("Successfully fetched upstream repository for %s/%s.", ns, comp))

	logger.DebugContext(ctx, fmt.Sprintf("Configuring repository properties for %s/%s.", ns, comp))
	err = repo.Config(ctx, "user.name", cfg.Main.Git.Author)
	if err == nil {
		err = repo.Config(ctx, "user.email", cfg.Main.Git.Email)
	}
	if err != nil {
		logger.ErrorContext(ctx, fmt.Sprintf("Failed configuring the git repository while processing %s/%s, skipping.", ns, comp), "error", err)
		return "", err
	}

	logger.DebugContext(ctx, fmt.Sprintf("Gathering destination files for %s/%s.", ns, comp))
	dsrc, err := sources.Parse(ctx, comp, string(ns), filepath.Join(dir, "sources"))
	if err != nil {
		logger.ErrorContext(ctx, fmt.Sprintf("Error processing the %s/%s destination sources file, skipping.", ns, comp), "error", err)
		return "", err
	}

	if cfg.Main.Control.Merge {
		err = p.merge(ctx, repo, cfg, ns, comp, bscm, dscm, sscm)
	} else {
		err = p.pull(ctx, repo, ns, comp, bscm)
	}
	if err != nil {
		return "", err
	}

	logger.DebugContext(ctx, fmt.Sprintf("Gathering source files for %s/%s.", ns, comp))
	ssrc, err := sources.Parse(ctx, comp, string(ns), filepath.Join(dir, "sources"))
	if err != nil {
		logger.ErrorContext(ctx, fmt.Sprintf("Error processing the %s/%s source sources file, skipping.", ns, comp), "error", err)
		return "", err
	}
	if srcdiff := ssrc.Diff(dsrc); len(srcdiff) > 0 {
		logger.DebugContext(ctx, fmt.Sprintf("Source files for %s/%s differ.", ns, comp))
		if _, err := p.SyncCache(ctx, ns, comp, srcdiff); err != nil {
			logger.ErrorContext(ctx, fmt.Sprintf("Failed to synchronize sources for %s/%s, skipping.", ns, comp))
			return "", err
		}
	} else {
		logger.DebugContext(ctx, fmt.Sprintf("Source files for %s/%s are up-to-date.", ns, comp))
	}
	logger.DebugContext(ctx, fmt.Sprintf("Component %s/%s successfully synchronized.", ns, comp))

	logger.DebugContext(ctx, fmt.Sprintf("Pushing synchronized contents for %s/%s.", ns, comp))
	err = retry.Do(ctx, p.retries, "Pushing", func() error {
		if p.dryRun {
			logger.DebugContext(ctx, fmt.Sprintf("Pushing %s/%s (--dry-run).", ns, comp))
			return repo.Push(ctx, "--dry-run", "--set-upstream", "origin", dscm.Ref)
		}
		logger.DebugContext(ctx, fmt.Sprintf("Pushing %s/%s.", ns, comp))
		return repo.Push(ctx, "--set-upstream", "origin", dscm.Ref)
	})
	if err != nil {
		logger.ErrorContext(ctx, fmt.Sprintf("Exhausted pushing attempts for %s/%s, skipping.", ns, comp), "error", err)
		return "", err
	}
	logger.InfoContext(ctx, fmt.Sprintf("Successfully synchronized %s/%s.", ns, comp))
	return repo.Head(ctx)
}

const branchLetters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// #nosec G404 - scratch branch names need no cryptographic randomness
func randomBranch() string {
	name := make([]byte, 16)
	for i := range name {
		name[i] = branchLetters[rand.IntN(len(branchLetters))]
	}
	return string(name)
}

// merge reconciles the destination branch with the build revision while
// keeping the destination history: a scratch branch at the build revision
// takes an "ours" merge of the destination, and the result is squashed back
// onto the destination branch. The final tree is exactly the upstream tree.
func (p *Pipeline) merge(ctx context.Context, repo *gitcmd.Repo, cfg *config.Config, ns config.Namespace, comp string, bscm, dscm, sscm scmurl.URL) error {
	logger := logging.FromContext(ctx)
	logger.DebugContext(ctx, fmt.Sprintf("Attempting to synchronize the %s/%s branches using the merge mechanism.", ns, comp))
	logger.DebugContext(ctx, fmt.Sprintf("Generating a temporary merge branch name for %s/%s.", ns, comp))
	var bname string
	for attempt := 1; attempt <= p.retries; attempt++ {
		candidate := randomBranch()
		logger.DebugContext(ctx, fmt.Sprintf("Checking the availability of %s/%s#%s.", ns, comp, candidate))
		if repo.HasRevision(ctx, candidate) {
			logger.DebugContext(ctx, fmt.Sprintf("%s/%s#%s is taken. Some people choose really weird branch names. Retrying, attempt #%d/%d.", ns, comp, candidate, attempt, p.retries))
			continue
		}
		logger.DebugContext(ctx, fmt.Sprintf("Using %s/%s#%s as the temporary merge branch name.", ns, comp, candidate))
		bname = candidate
		break
	}
	if bname == "" {
		logger.ErrorContext(ctx, fmt.Sprintf("Exhausted attempts finding an unused branch name while synchronizing %s/%s, skipping.", ns, comp))
		return errors.Errorf("no available merge branch name for %s/%s", ns, comp)
	}

	actor := fmt.Sprintf("%s <%s>", cfg.Main.Git.Author, cfg.Main.Git.Email)
	err := func() error {
		if err := repo.Checkout(ctx, bscm.Ref); err != nil {
			return err
		}
		if err := repo.SwitchNew(ctx, bname); err != nil {
			return err
		}
		if err := repo.Merge(ctx, "--allow-unrelated-histories", "--no-commit", "-s", "ours", dscm.Ref); err != nil {
			return err
		}
		if err := repo.Commit(ctx, "--author", actor, "--allow-empty", "-m", "Temporary working tree merge"); err != nil {
			return err
		}
		if err := repo.Checkout(ctx, dscm.Ref); err != nil {
			return err
		}
		if err := repo.Merge(ctx, "--no-commit", "--squash", bname); err != nil {
			return err
		}
		// The commit message goes through a file to preserve its exact bytes.
		msgfile, err := os.CreateTemp("", fmt.Sprintf("msg-%s-%s-", ns, comp))
		if err != nil {
			return errors.Wrap(err, "create message file")
		}
		defer os.Remove(msgfile.Name())
		msg := fmt.Sprintf("%s\nSource: %s#%s", cfg.Main.Git.Message, sscm.Link, bscm.Ref)
		if _, err := msgfile.WriteString(msg); err != nil {
			_ = msgfile.Close()
			return errors.Wrap(err, "write message file")
		}
		if err := msgfile.Close(); err != nil {
			return errors.Wrap(err, "close message file")
		}
		return repo.Commit(ctx, "--author", actor, "--allow-empty", "-F", msgfile.Name())
	}()
	if err != nil {
		logger.ErrorContext(ctx, fmt.Sprintf("Failed to merge %s/%s, skipping.", ns, comp), "error", err)
		return err
	}
	logger.DebugContext(ctx, fmt.Sprintf("Successfully merged %s/%s with upstream.", ns, comp))
	return nil
}

// pull fast-forwards the destination branch to the build revision. Unrelated
// or diverged histories are refused, leaving the destination untouched.
func (p *Pipeline) pull(ctx context.Context, repo *gitcmd.Repo, ns config.Namespace, comp string, bscm scmurl.URL) error {
	logger := logging.FromContext(ctx)
	logger.DebugContext(ctx, fmt.Sprintf("Attempting to synchronize the %s/%s branches using the clean pull mechanism.", ns, comp))
	if err := repo.Merge(ctx, "--ff-only", bscm.Ref); err != nil {
		if _, baseErr := repo.MergeBase(ctx, "HEAD", bscm.Ref); baseErr != nil {
			err = errors.Wrap(err, "refusing to merge unrelated histories")
		}
		logger.ErrorContext(ctx, fmt.Sprintf("Failed to perform a clean pull for %s/%s, skipping.", ns, comp), "error", err)
		return err
	}
	logger.DebugContext(ctx, fmt.Sprintf("Successfully pulled %s/%s from upstream.", ns, comp))
	return nil
}

// SyncCache copies the given manifest entries from the source lookaside
// cache to the destination one. Entries already present in the destination
// are left alone. Returns the number of entries handled.
func (p *Pipeline) SyncCache(ctx context.Context, ns config.Namespace, comp string, srcs sources.Set) (n int, err error) {
	start := time.Now()
	defer func() { recordOp(ctx, "cache.sync", start, err, compAttr(ns, comp)) }()

	logger := logging.FromContext(ctx)
	cfg, err := p.guard(ctx, ns, comp)
	if err != nil {
		return 0, err
	}
	logger.DebugContext(ctx, fmt.Sprintf("Synchronizing %d cache file(s) for %s/%s.", len(srcs), ns, comp))
	scache, err := p.opener(cfg.Main.Source.Cache)
	if err != nil {
		return 0, errors.Wrap(err, "open source cache")
	}
	dcache, err := p.opener(cfg.Main.Destination.Cache)
	if err != nil {
		return 0, errors.Wrap(err, "open destination cache")
	}
	tmp, err := os.MkdirTemp("", fmt.Sprintf("cache-%s-%s-", ns, comp))
	if err != nil {
		return 0, errors.Wrap(err, "create scratch directory")
	}
	defer os.RemoveAll(tmp)
	logger.DebugContext(ctx, fmt.Sprintf("Temporary directory created: %s", tmp))

	names := cfg.Component(ns, comp)
	scname := fmt.Sprintf("%s/%s", ns, names.Cache.Source)
	dcname := fmt.Sprintf("%s/%s", ns, names.Cache.Destination)
	for _, entry := range srcs.Sorted() {
		err := retry.Do(ctx, p.retries, fmt.Sprintf("Handling %s", entry.File), func() error {
			exists, err := dcache.Exists(ctx, dcname, entry.File, entry.Hash, entry.Type)
			if err != nil {
				return err
			}
			if exists {
				logger.DebugContext(ctx, fmt.Sprintf("File %s for %s/%s (%s) already uploaded, skipping.", entry.File, ns, comp, dcname))
				return nil
			}
			logger.DebugContext(ctx, fmt.Sprintf("File %s for %s/%s (%s) not available in the destination cache, downloading.", entry.File, ns, comp, dcname))
			local := filepath.Join(tmp, filepath.Base(entry.File))
			if err := scache.Download(ctx, scname, entry.File, entry.Hash, entry.Type, local); err != nil {
				return err
			}
			logger.DebugContext(ctx, fmt.Sprintf("File %s for %s/%s (%s) successfully downloaded. Uploading to the destination cache.", entry.File, ns, comp, scname))
			if p.dryRun {
				logger.DebugContext(ctx, fmt.Sprintf("Running in dry run mode, not uploading %s for %s/%s.", entry.File, ns, comp))
				return nil
			}
			if err := dcache.Upload(ctx, dcname, entry.File, entry.Hash, entry.Type, local); err != nil {
				return err
			}
			logger.DebugContext(ctx, fmt.Sprintf("File %s for %s/%s (%s) successfully uploaded to the destination cache.", entry.File, ns, comp, dcname))
			return nil
		})
		if err != nil {
			logger.ErrorContext(ctx, fmt.Sprintf("Exhausted lookaside cache synchronization attempts for %s/%s while working on %s, skipping.", ns, comp, entry.File), "error", err)
			return 0, err
		}
	}
	return len(srcs), nil
}

// BuildComp submits a build of the synchronized ref for the configured
// target. Only rpms are buildable; in dry-run mode the returned task ID is 0
// and nothing is submitted.
func (p *Pipeline) BuildComp(ctx context.Context, ns config.Namespace, comp, ref string) (task int64, err error) {
	start := time.Now()
	defer func() { recordOp(ctx, "build.submit", start, err, compAttr(ns, comp)) }()

	logger := logging.FromContext(ctx)
	cfg, err := p.guard(ctx, ns, comp)
	if err != nil {
		return 0, err
	}
	logger.InfoContext(ctx, fmt.Sprintf("Processing build for %s/%s.", ns, comp))
	switch ns {
	case config.NamespaceRPMs:
	case config.NamespaceModules:
		logging.Critical(ctx, fmt.Sprintf("Cannot build %s/%s; module building not implemented.", ns, comp))
		return 0, errors.WithStack(ErrUnimplemented)
	default:
		logging.Critical(ctx, fmt.Sprintf("Cannot build %s/%s; unknown namespace.", ns, comp))
		return 0, errors.Errorf("unknown namespace %q", ns)
	}

	buildcomp := comp
	if cfg.Configured(ns, comp) {
		buildcomp = scmurl.Split(cfg.Component(ns, comp).Destination).Comp
	}
	bscmurl := fmt.Sprintf("%s/%s/%s#%s", cfg.Main.Build.Prefix, ns, buildcomp, ref)
	if p.dryRun {
		logger.InfoContext(ctx, fmt.Sprintf("Running in the dry mode, not submitting any builds for %s/%s (%s).", ns, comp, bscmurl))
		return 0, nil
	}
	session, err := p.sessions.Session(ctx, cfg.Main.Destination.Profile)
	if err != nil {
		logging.Critical(ctx, fmt.Sprintf("Failed initializing the destination Koji session with the %s profile.", cfg.Main.Destination.Profile), "error", err)
		return 0, err
	}
	task, err = session.Build(ctx, bscmurl, cfg.Main.Build.Target, buildsys.BuildOptions{Scratch: cfg.Main.Build.Scratch})
	if err != nil {
		logger.ErrorContext(ctx, fmt.Sprintf("Failed submitting build for %s/%s (%s).", ns, comp, bscmurl), "error", err)
		return 0, err
	}
	logger.DebugContext(ctx, fmt.Sprintf("Build submitted for %s/%s; task %d; SCMURL: %s.", ns, comp, task, bscmurl))
	return task, nil
}

// GetBuild finds the latest tagged build NVR for the component in its
// namespace trigger tag. Note this is the latest tagged build, not the
// highest NVR. Module keys match on name and stream.
func (p *Pipeline) GetBuild(ctx context.Context, ns config.Namespace, comp string) (string, error) {
	logger := logging.FromContext(ctx)
	cfg := p.source.Config()
	if cfg == nil {
		logging.Critical(ctx, "DistroBaker is not configured, aborting.")
		return "", errors.WithStack(ErrNotConfigured)
	}
	session, err := p.sessions.Session(ctx, cfg.Main.Source.Profile)
	if err != nil {
		logger.ErrorContext(ctx, fmt.Sprintf("Build system unavailable, cannot find the latest build for %s/%s.", ns, comp), "error", err)
		return "", err
	}
	var nvr string
	switch ns {
	case config.NamespaceRPMs:
		builds, err := session.ListTagged(ctx, cfg.Main.Trigger.RPMs, buildsys.ListTaggedOpts{Package: comp, Latest: true})
		if err != nil {
			logger.ErrorContext(ctx, fmt.Sprintf("An error occurred while getting the latest build for %s/%s.", ns, comp), "error", err)
			return "", err
		}
		if len(builds) > 0 {
			nvr = builds[0].NVR
		}
	case config.NamespaceModules:
		module := scmurl.SplitModule(comp)
		builds, err := session.ListTagged(ctx, cfg.Main.Trigger.Modules, buildsys.ListTaggedOpts{Latest: true})
		if err != nil {
			logger.ErrorContext(ctx, fmt.Sprintf("An error occurred while getting the latest build for %s/%s.", ns, comp), "error", err)
			return "", err
		}
		for _, build := range builds {
			if build.PackageName == module.Name && build.Version == module.Stream {
				nvr = build.NVR
				break
			}
		}
	default:
		return "", errors.Errorf("unknown namespace %q", ns)
	}
	if nvr == "" {
		logger.ErrorContext(ctx, fmt.Sprintf("Did not find any builds for %s/%s.", ns, comp))
		return "", errors.Errorf("no builds for %s/%s", ns, comp)
	}
	logger.DebugContext(ctx, fmt.Sprintf("Located the latest build for %s/%s: %s", ns, comp, nvr))
	return nvr, nil
}

// GetSCMURL looks up the SCM URL the build was built from. NVRs are unique.
func (p *Pipeline) GetSCMURL(ctx context.Context, nvr string) (string, error) {
	logger := logging.FromContext(ctx)
	cfg := p.source.Config()
	if cfg == nil {
		logging.Critical(ctx, "DistroBaker is not configured, aborting.")
		return "", errors.WithStack(ErrNotConfigured)
	}
	session, err := p.sessions.Session(ctx, cfg.Main.Source.Profile)
	if err != nil {
		logger.ErrorContext(ctx, fmt.Sprintf("Build system unavailable, cannot retrieve the SCMURL of %s.", nvr), "error", err)
		return "", err
	}
	build, err := session.GetBuild(ctx, nvr)
	if err != nil {
		logger.ErrorContext(ctx, fmt.Sprintf("An error occurred while retrieving the SCMURL for %s.", nvr), "error", err)
		return "", err
	}
	if build.Source == "" {
		logger.ErrorContext(ctx, fmt.Sprintf("Cannot find any SCMURLs associated with %s.", nvr))
		return "", errors.Errorf("no SCMURL for %s", nvr)
	}
	logger.DebugContext(ctx, fmt.Sprintf("Retrieved SCMURL for %s: %s", nvr, build.Source))
	return build.Source, nil
}

// GatherTriggers lists the latest builds in both trigger tags as a set of
// ns/component entries, the form ProcessComponents consumes.
func (p *Pipeline) GatherTriggers(ctx context.Context) (map[string]struct{}, error) {
	cfg := p.source.Config()
	if cfg == nil {
		logging.Critical(ctx, "DistroBaker is not configured, aborting.")
		return nil, errors.WithStack(ErrNotConfigured)
	}
	session, err := p.sessions.Session(ctx, cfg.Main.Source.Profile)
	if err != nil {
		return nil, err
	}
	compset := map[string]struct{}{}
	rpms, err := session.ListTagged(ctx, cfg.Main.Trigger.RPMs, buildsys.ListTaggedOpts{Latest: true})
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", cfg.Main.Trigger.RPMs)
	}
	for _, build := range rpms {
		compset[fmt.Sprintf("%s/%s", config.NamespaceRPMs, build.PackageName)] = struct{}{}
	}
	modules, err := session.ListTagged(ctx, cfg.Main.Trigger.Modules, buildsys.ListTaggedOpts{Latest: true})
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", cfg.Main.Trigger.Modules)
	}
	for _, build := range modules {
		compset[fmt.Sprintf("%s/%s:%s", config.NamespaceModules, build.PackageName, build.Version)] = struct{}{}
	}
	return compset, nil
}
