package gitcmd //nolint:testpackage

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	output, err := cmd.CombinedOutput()
	assert.NoError(t, err, "git %v: %s", args, string(output))
	return string(output)
}

// initRepo creates a repository on a "main" branch with one commit.
func initRepo(t *testing.T, dir string) {
	t.Helper()
	runGit(t, dir, "init", ".")
	runGit(t, dir, "symbolic-ref", "HEAD", "refs/heads/main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test User")
	// Include the unique directory path so repositories initialized in the
	// same second still get distinct root commits.
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("hello "+dir+"\n"), 0o644))
	runGit(t, dir, "add", "README")
	runGit(t, dir, "commit", "-m", "Initial commit")
}

func TestCloneBranch(t *testing.T) {
	ctx := context.Background()
	upstream := t.TempDir()
	initRepo(t, upstream)
	runGit(t, upstream, "checkout", "-b", "side")
	assert.NoError(t, os.WriteFile(filepath.Join(upstream, "side.txt"), []byte("side\n"), 0o644))
	runGit(t, upstream, "add", "side.txt")
	runGit(t, upstream, "commit", "-m", "Side branch")
	runGit(t, upstream, "checkout", "main")

	dir := filepath.Join(t.TempDir(), "clone")
	repo, err := Clone(ctx, upstream, dir, CloneOptions{Branch: "side"})
	assert.NoError(t, err)
	assert.Equal(t, dir, repo.Dir())

	_, err = os.Stat(filepath.Join(dir, "side.txt"))
	assert.NoError(t, err)
}

func TestCloneFailureIncludesOutput(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "clone")
	_, err := Clone(ctx, filepath.Join(t.TempDir(), "nope"), dir, CloneOptions{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "git clone")
}

func TestRunErrorIncludesOutput(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	initRepo(t, dir)
	repo := Open(dir)

	_, err := repo.Run(ctx, "checkout", "no-such-branch")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "git checkout")
	assert.Contains(t, err.Error(), "no-such-branch")
}

func TestHeadAndHasRevision(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	initRepo(t, dir)
	repo := Open(dir)

	head, err := repo.Head(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 40, len(head))

	assert.True(t, repo.HasRevision(ctx, "main"))
	assert.False(t, repo.HasRevision(ctx, "does-not-exist"))
}

func TestSwitchNewAndCommit(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	initRepo(t, dir)
	repo := Open(dir)

	assert.NoError(t, repo.SwitchNew(ctx, "scratch"))
	assert.NoError(t, repo.Commit(ctx, "--allow-empty", "-m", "empty commit"))
	assert.True(t, repo.HasRevision(ctx, "scratch"))

	branch, err := repo.RevParse(ctx, "--abbrev-ref", "HEAD")
	assert.NoError(t, err)
	assert.Equal(t, "scratch", branch)
}

func TestMergeBaseUnrelated(t *testing.T) {
	ctx := context.Background()
	a := t.TempDir()
	initRepo(t, a)
	b := t.TempDir()
	initRepo(t, b)

	repo := Open(a)
	assert.NoError(t, repo.AddRemote(ctx, "other", b))
	assert.NoError(t, repo.Fetch(ctx, "other", "main"))

	_, err := repo.MergeBase(ctx, "main", "FETCH_HEAD")
	assert.Error(t, err)
}

func TestFetchRemoteBranch(t *testing.T) {
	ctx := context.Background()
	upstream := t.TempDir()
	initRepo(t, upstream)

	dir := t.TempDir()
	initRepo(t, dir)
	repo := Open(dir)

	assert.NoError(t, repo.AddRemote(ctx, "source", upstream))
	assert.NoError(t, repo.Fetch(ctx, "source", "main"))
	assert.True(t, repo.HasRevision(ctx, "FETCH_HEAD"))
}
