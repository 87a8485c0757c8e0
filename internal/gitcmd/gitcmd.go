// Package gitcmd runs git against scratch checkouts by shelling out to the
// git binary, the same way the rest of the dist-git tooling does.
package gitcmd

import (
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/alecthomas/errors"
)

// CloneOptions controls the initial clone of a repository.
type CloneOptions struct {
	Branch         string // branch to check out, empty for the remote default
	Depth          int    // shallow clone depth, 0 for full history
	NoSingleBranch bool   // fetch all branch tips even when shallow
}

// Repo is a git work tree rooted at a scratch directory.
type Repo struct {
	dir string
}

// Clone clones url into dir and returns the resulting work tree.
func Clone(ctx context.Context, url, dir string, opts CloneOptions) (*Repo, error) {
	args := []string{"clone"}
	if opts.Branch != "" {
		args = append(args, "-b", opts.Branch)
	}
	if opts.Depth > 0 {
		args = append(args, "--depth", strconv.Itoa(opts.Depth))
	}
	if opts.NoSingleBranch {
		args = append(args, "--no-single-branch")
	}
	args = append(args, url, dir)
	// #nosec G204 - url and dir come from configuration we control
	cmd := exec.CommandContext(ctx, "git", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, errors.Wrapf(err, "git clone: %s", string(output))
	}
	return &Repo{dir: dir}, nil
}

// Open wraps an existing work tree without validating it.
func Open(dir string) *Repo {
	return &Repo{dir: dir}
}

func (r *Repo) Dir() string { return r.dir }

// Run executes git with the given arguments in the work tree and returns the
// combined output, which is also folded into the error on failure.
func (r *Repo) Run(ctx context.Context, args ...string) (string, error) {
	// #nosec G204 - arguments are assembled from configuration we control
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", r.dir}, args...)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), errors.Wrapf(err, "git %s: %s", args[0], strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

func (r *Repo) AddRemote(ctx context.Context, name, url string) error {
	_, err := r.Run(ctx, "remote", "add", name, url)
	return err
}

func (r *Repo) Fetch(ctx context.Context, args ...string) error {
	_, err := r.Run(ctx, append([]string{"fetch"}, args...)...)
	return err
}

func (r *Repo) Config(ctx context.Context, key, value string) error {
	_, err := r.Run(ctx, "config", key, value)
	return err
}

func (r *Repo) Checkout(ctx context.Context, ref string) error {
	_, err := r.Run(ctx, "checkout", ref)
	return err
}

// SwitchNew creates branch at the current head and switches to it.
func (r *Repo) SwitchNew(ctx context.Context, branch string) error {
	_, err := r.Run(ctx, "switch", "-c", branch)
	return err
}

func (r *Repo) Merge(ctx context.Context, args ...string) error {
	_, err := r.Run(ctx, append([]string{"merge"}, args...)...)
	return err
}

func (r *Repo) Commit(ctx context.Context, args ...string) error {
	_, err := r.Run(ctx, append([]string{"commit"}, args...)...)
	return err
}

func (r *Repo) Push(ctx context.Context, args ...string) error {
	_, err := r.Run(ctx, append([]string{"push"}, args...)...)
	return err
}

// RevParse runs rev-parse and returns the trimmed output.
func (r *Repo) RevParse(ctx context.Context, args ...string) (string, error) {
	out, err := r.Run(ctx, append([]string{"rev-parse"}, args...)...)
	return strings.TrimSpace(out), err
}

// Head returns the commit hash the work tree is at.
func (r *Repo) Head(ctx context.Context) (string, error) {
	return r.RevParse(ctx, "HEAD")
}

// HasRevision reports whether rev resolves in the work tree.
func (r *Repo) HasRevision(ctx context.Context, rev string) bool {
	_, err := r.Run(ctx, "rev-parse", "--verify", "--quiet", rev)
	return err == nil
}

// MergeBase returns the common ancestor of a and b. git exits non-zero when
// the histories are unrelated, which surfaces here as an error.
func (r *Repo) MergeBase(ctx context.Context, a, b string) (string, error) {
	out, err := r.Run(ctx, "merge-base", a, b)
	return strings.TrimSpace(out), err
}
