// Package vcs clones repositories into private working directories and
// answers the few history questions a scan needs.
package vcs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/leak-scanner/internal/command"
	"github.com/yourorg/leak-scanner/internal/logger"
)

const DefaultCloneDepth = 1000

// CloneError is returned when git clone exits non-zero.
type CloneError struct {
	URL      string
	ExitCode int
	Output   string
}

func (e *CloneError) Error() string {
	return fmt.Sprintf("failed to clone repository %s (exit %d): %s", e.URL, e.ExitCode, strings.TrimSpace(e.Output))
}

// Gateway wraps the git binary. Working directories live under Root and are
// keyed by scan id so that two scans of one repository never share a clone.
type Gateway struct {
	Root    string
	GitPath string
	Depth   int

	runner command.Runner
	log    *zap.Logger
	now    func() time.Time
}

func NewGateway(root, gitPath string, depth int, runner command.Runner, log *zap.Logger) *Gateway {
	if gitPath == "" {
		gitPath = "git"
	}
	if depth <= 0 {
		depth = DefaultCloneDepth
	}
	return &Gateway{
		Root:    root,
		GitPath: gitPath,
		Depth:   depth,
		runner:  runner,
		log:     log.With(zap.String("component", "vcs")),
		now:     time.Now,
	}
}

// WorkDir returns the working directory owned by key.
func (g *Gateway) WorkDir(key string) string {
	return filepath.Join(g.Root, key)
}

// Clone makes a shallow clone of url into dir, replacing anything already
// there. On failure the partial directory is removed before returning.
func (g *Gateway) Clone(ctx context.Context, url, dir string) error {
	defer logger.Trace(g.log, "clone", time.Now())

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove stale work dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("create work root: %w", err)
	}

	args := []string{"clone", "-c", "core.longpaths=true", fmt.Sprintf("--depth=%d", g.Depth), url, dir}
	g.log.Info("cloning repository", zap.String("url", url), zap.String("dir", dir))

	res, err := g.runner.Run(ctx, "", g.GitPath, args...)
	if err != nil {
		_ = os.RemoveAll(dir)
		return fmt.Errorf("git clone: %w", err)
	}
	if res.ExitCode != 0 {
		_ = os.RemoveAll(dir)
		return &CloneError{URL: url, ExitCode: res.ExitCode, Output: string(res.Output)}
	}

	g.log.Info("cloned repository", zap.String("url", url))
	return nil
}

// CommitCount counts commits reachable from HEAD, limited to the last
// sinceDays days when sinceDays > 0. The count is informational so every
// failure yields 0.
func (g *Gateway) CommitCount(ctx context.Context, dir string, sinceDays int) int {
	args := []string{"rev-list", "--count"}
	if sinceDays > 0 {
		args = append(args, "--since="+SinceDate(g.now(), sinceDays))
	}
	args = append(args, "HEAD")

	res, err := g.runner.Run(ctx, dir, g.GitPath, args...)
	if err != nil || res.ExitCode != 0 {
		g.log.Warn("commit count unavailable",
			zap.String("cmd", command.Line(g.GitPath, args...)),
			zap.Int("exit_code", res.ExitCode),
			zap.Error(err))
		return 0
	}

	n, err := strconv.Atoi(strings.TrimSpace(string(res.Output)))
	if err != nil {
		g.log.Warn("commit count unparsable", zap.ByteString("output", res.Output))
		return 0
	}
	return n
}

// Cleanup removes dir and everything below it. A missing directory is fine.
func (g *Gateway) Cleanup(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		g.log.Warn("cleanup failed", zap.String("dir", dir), zap.Error(err))
		return
	}
	g.log.Debug("cleaned up", zap.String("dir", dir))
}

// Sweep removes every working directory under Root. It is meant for startup,
// when no scan can be running, to reclaim clones left by a crashed process.
func (g *Gateway) Sweep() ([]string, error) {
	entries, err := os.ReadDir(g.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read work root: %w", err)
	}

	var removed []string
	for _, e := range entries {
		p := filepath.Join(g.Root, e.Name())
		if err := os.RemoveAll(p); err != nil {
			return removed, fmt.Errorf("remove %s: %w", p, err)
		}
		removed = append(removed, p)
	}
	return removed, nil
}

// SinceDate is the ISO calendar date sinceDays before now, as understood by
// git's --since. The scanner uses the same date so both windows agree.
func SinceDate(now time.Time, sinceDays int) string {
	return now.AddDate(0, 0, -sinceDays).Format(time.DateOnly)
}
