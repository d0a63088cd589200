package vcs

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yourorg/leak-scanner/internal/command"
)

type call struct {
	dir  string
	name string
	args []string
}

// fakeRunner records invocations and answers with a canned result.
type fakeRunner struct {
	calls  []call
	result command.Result
	err    error
	// onRun lets a test touch the filesystem the way the real tool would.
	onRun func(args []string)
}

func (f *fakeRunner) Run(_ context.Context, dir, name string, args ...string) (command.Result, error) {
	f.calls = append(f.calls, call{dir: dir, name: name, args: args})
	if f.onRun != nil {
		f.onRun(args)
	}
	return f.result, f.err
}

func newTestGateway(t *testing.T, runner command.Runner) *Gateway {
	t.Helper()
	g := NewGateway(t.TempDir(), "git", 0, runner, zaptest.NewLogger(t))
	g.now = func() time.Time { return time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC) }
	return g
}

func TestCloneArgs(t *testing.T) {
	runner := &fakeRunner{}
	g := newTestGateway(t, runner)
	dir := g.WorkDir("api-1700000000000")

	require.NoError(t, g.Clone(context.Background(), "https://example.com/org/api.git", dir))

	require.Len(t, runner.calls, 1)
	assert.Equal(t, "git", runner.calls[0].name)
	assert.Equal(t, []string{
		"clone", "-c", "core.longpaths=true", "--depth=1000",
		"https://example.com/org/api.git", dir,
	}, runner.calls[0].args)
}

func TestCloneRemovesPreExistingDir(t *testing.T) {
	runner := &fakeRunner{}
	g := newTestGateway(t, runner)
	dir := g.WorkDir("api-1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	stale := filepath.Join(dir, "stale.txt")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))

	require.NoError(t, g.Clone(context.Background(), "https://example.com/api.git", dir))
	assert.NoFileExists(t, stale)
}

func TestCloneFailure(t *testing.T) {
	tests := []struct {
		name   string
		runner *fakeRunner
		check  func(t *testing.T, err error)
	}{
		{
			name: "non_zero_exit",
			runner: &fakeRunner{
				result: command.Result{ExitCode: 128, Output: []byte("fatal: repository not found\n")},
			},
			check: func(t *testing.T, err error) {
				var cloneErr *CloneError
				require.ErrorAs(t, err, &cloneErr)
				assert.Equal(t, 128, cloneErr.ExitCode)
				assert.Contains(t, cloneErr.Error(), "repository not found")
			},
		},
		{
			name:   "start_failure",
			runner: &fakeRunner{err: errors.New("exec: git: not found")},
			check: func(t *testing.T, err error) {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "not found")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(t, tt.runner)
			dir := g.WorkDir("api-1")
			tt.runner.onRun = func([]string) {
				// git leaves a half-written clone behind
				_ = os.MkdirAll(filepath.Join(dir, ".git"), 0o755)
			}

			err := g.Clone(context.Background(), "https://example.com/missing.git", dir)
			tt.check(t, err)
			assert.NoDirExists(t, dir, "partial clone must be removed")
		})
	}
}

func TestCommitCount(t *testing.T) {
	tests := []struct {
		name      string
		sinceDays int
		runner    *fakeRunner
		wantArgs  []string
		want      int
	}{
		{
			name:     "full_history",
			runner:   &fakeRunner{result: command.Result{Output: []byte("42\n")}},
			wantArgs: []string{"rev-list", "--count", "HEAD"},
			want:     42,
		},
		{
			name:      "since_window",
			sinceDays: 30,
			runner:    &fakeRunner{result: command.Result{Output: []byte("7\n")}},
			wantArgs:  []string{"rev-list", "--count", "--since=2024-03-01", "HEAD"},
			want:      7,
		},
		{
			name:     "unparsable_output",
			runner:   &fakeRunner{result: command.Result{Output: []byte("fatal: not a git repository")}},
			wantArgs: []string{"rev-list", "--count", "HEAD"},
			want:     0,
		},
		{
			name:     "non_zero_exit",
			runner:   &fakeRunner{result: command.Result{ExitCode: 128}},
			wantArgs: []string{"rev-list", "--count", "HEAD"},
			want:     0,
		},
		{
			name:     "exec_error",
			runner:   &fakeRunner{err: errors.New("boom")},
			wantArgs: []string{"rev-list", "--count", "HEAD"},
			want:     0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(t, tt.runner)
			got := g.CommitCount(context.Background(), "/work/api", tt.sinceDays)

			assert.Equal(t, tt.want, got)
			require.Len(t, tt.runner.calls, 1)
			assert.Equal(t, "/work/api", tt.runner.calls[0].dir)
			assert.Equal(t, tt.wantArgs, tt.runner.calls[0].args)
		})
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	g := newTestGateway(t, &fakeRunner{})
	dir := g.WorkDir("api-1")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "a", "b"), 0o755))

	g.Cleanup(dir)
	assert.NoDirExists(t, dir)
	g.Cleanup(dir)
	assert.NoDirExists(t, dir)
}

func TestSweep(t *testing.T) {
	g := newTestGateway(t, &fakeRunner{})
	for _, k := range []string{"a-1", "b-2"} {
		require.NoError(t, os.MkdirAll(g.WorkDir(k), 0o755))
	}

	removed, err := g.Sweep()
	require.NoError(t, err)
	assert.Len(t, removed, 2)

	entries, err := os.ReadDir(g.Root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSweepMissingRoot(t *testing.T) {
	g := NewGateway(filepath.Join(t.TempDir(), "nope"), "git", 0, &fakeRunner{}, zaptest.NewLogger(t))
	removed, err := g.Sweep()
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestSinceDate(t *testing.T) {
	now := time.Date(2024, 1, 15, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "2023-12-16", SinceDate(now, 30))
	assert.Equal(t, "2024-01-14", SinceDate(now, 1))
}

// commitAt writes a file and commits it with author and committer dated at when.
func commitAt(t *testing.T, repo *git.Repository, dir, file string, when time.Time) {
	t.Helper()
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(file), 0o644))
	_, err = wt.Add(file)
	require.NoError(t, err)

	sig := &object.Signature{Name: "dev", Email: "dev@example.com", When: when}
	_, err = wt.Commit("add "+file, &git.CommitOptions{Author: sig, Committer: sig})
	require.NoError(t, err)
}

func TestGatewayAgainstRealGit(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	src := t.TempDir()
	repo, err := git.PlainInit(src, false)
	require.NoError(t, err)

	now := time.Now()
	commitAt(t, repo, src, "old.txt", now.AddDate(0, 0, -40))
	commitAt(t, repo, src, "new.txt", now.AddDate(0, 0, -5))

	g := NewGateway(t.TempDir(), "git", 0, command.Exec{}, zaptest.NewLogger(t))
	dir := g.WorkDir("fixture-1")
	ctx := context.Background()

	require.NoError(t, g.Clone(ctx, "file://"+src, dir))
	assert.FileExists(t, filepath.Join(dir, "new.txt"))

	assert.Equal(t, 2, g.CommitCount(ctx, dir, 0))
	assert.Equal(t, 1, g.CommitCount(ctx, dir, 30), "the 40 day old commit is outside the window")

	g.Cleanup(dir)
	assert.NoDirExists(t, dir)

	err = g.Clone(ctx, "file://"+filepath.Join(src, "does-not-exist"), dir)
	var cloneErr *CloneError
	require.ErrorAs(t, err, &cloneErr)
	assert.NotEmpty(t, cloneErr.Output)
	assert.NoDirExists(t, dir)
}
