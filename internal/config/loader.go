package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/alecthomas/errors"

	"github.com/fedora-eln/distrobaker/internal/gitcmd"
	"github.com/fedora-eln/distrobaker/internal/logging"
	"github.com/fedora-eln/distrobaker/internal/retry"
	"github.com/fedora-eln/distrobaker/internal/scmurl"
)

// FileName is the configuration file expected at the root of the
// configuration repository.
const FileName = "distrobaker.yaml"

const defaultRef = "master"

// Loader fetches configuration snapshots from an SCM repository and serves
// the active one. A failed load never disturbs the active snapshot.
type Loader struct {
	retries int
	current atomic.Pointer[Config]
}

func NewLoader(retries int) *Loader {
	return &Loader{retries: retries}
}

// Config returns the active configuration, or nil when none has been loaded
// yet. The returned snapshot is immutable and unaffected by later reloads.
func (l *Loader) Config() *Config {
	return l.current.Load()
}

// Load fetches crepo at its ref (default master), parses and validates
// distrobaker.yaml and swaps the result in as the active configuration.
func (l *Loader) Load(ctx context.Context, crepo string) (*Config, error) {
	logger := logging.FromContext(ctx)
	scm := scmurl.Split(crepo)
	if scm.Ref == "" {
		scm.Ref = defaultRef
	}
	logger.InfoContext(ctx, fmt.Sprintf("Fetching configuration from %s#%s.", scm.Link, scm.Ref))

	tmp, err := os.MkdirTemp("", "distrobaker-")
	if err != nil {
		return nil, errors.Wrap(err, "create scratch directory")
	}
	defer os.RemoveAll(tmp)
	dir := filepath.Join(tmp, "config")

	err = retry.Do(ctx, l.retries, "Configuration fetch", func() error {
		if err := os.RemoveAll(dir); err != nil {
			return errors.WithStack(err)
		}
		repo, err := gitcmd.Clone(ctx, scm.Link, dir, gitcmd.CloneOptions{Depth: 1, NoSingleBranch: true})
		if err != nil {
			return err
		}
		return repo.Checkout(ctx, scm.Ref)
	})
	if err != nil {
		logger.ErrorContext(ctx, "Failed to fetch configuration, giving up.", "error", err)
		return nil, errors.Wrap(err, "fetch configuration")
	}

	cfg, err := parse(ctx, filepath.Join(dir, FileName))
	if err != nil {
		return nil, err
	}
	l.current.Store(cfg)
	logger.InfoContext(ctx, "Configuration fetched and validated successfully.")
	return cfg, nil
}
