// Package scanner drives the gitleaks binary against a cloned working tree
// and turns its JSON report into findings.
package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourorg/leak-scanner/internal/command"
	"github.com/yourorg/leak-scanner/internal/logger"
	"github.com/yourorg/leak-scanner/internal/model"
	"github.com/yourorg/leak-scanner/internal/vcs"
)

const (
	exitNoLeaks    = 0
	exitLeaksFound = 1
)

// ScanExecutionError is returned when gitleaks exits with a code other than
// 0 (clean) or 1 (leaks found).
type ScanExecutionError struct {
	ExitCode int
	Output   string
}

func (e *ScanExecutionError) Error() string {
	return fmt.Sprintf("gitleaks scan failed (exit %d): %s", e.ExitCode, strings.TrimSpace(e.Output))
}

// ReportParseError means the report file exists but is not a JSON array of
// findings.
type ReportParseError struct {
	Path string
	Err  error
}

func (e *ReportParseError) Error() string {
	return fmt.Sprintf("parse report %s: %v", e.Path, e.Err)
}

func (e *ReportParseError) Unwrap() error { return e.Err }

type Result struct {
	ReportPath string
	// ReportWritten is false when gitleaks left no file at ReportPath,
	// which it does for some clean repositories.
	ReportWritten bool
	Findings      []model.LeakFinding
}

type Gitleaks struct {
	Path       string
	ReportsDir string

	runner command.Runner
	log    *zap.Logger
	now    func() time.Time
}

func NewGitleaks(path, reportsDir string, runner command.Runner, log *zap.Logger) *Gitleaks {
	if path == "" {
		path = "gitleaks"
	}
	return &Gitleaks{
		Path:       path,
		ReportsDir: reportsDir,
		runner:     runner,
		log:        log.With(zap.String("component", "scanner")),
		now:        time.Now,
	}
}

// Run scans the repository checked out in dir and returns the parsed report.
// A SinceDays window restricts gitleaks to commits after the same calendar
// date used for the commit count.
func (g *Gitleaks) Run(ctx context.Context, dir, repoName string, opts model.ScanOptions) (Result, error) {
	defer logger.Trace(g.log, "gitleaks", time.Now())

	if err := os.MkdirAll(g.ReportsDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create reports dir: %w", err)
	}
	now := g.now()
	reportPath := g.reportPath(repoName, now)

	args := []string{
		"detect",
		"--source", dir,
		"--report-path", reportPath,
		"--report-format", "json",
		"--no-banner",
	}
	if opts.SinceDays > 0 {
		args = append(args, "--log-opts=--since="+vcs.SinceDate(now, opts.SinceDays))
	}

	g.log.Info("running gitleaks", zap.String("repo", repoName), zap.String("cmd", command.Line(g.Path, args...)))

	res, err := g.runner.Run(ctx, "", g.Path, args...)
	if err != nil {
		return Result{}, fmt.Errorf("gitleaks: %w", err)
	}
	if res.ExitCode != exitNoLeaks && res.ExitCode != exitLeaksFound {
		return Result{}, &ScanExecutionError{ExitCode: res.ExitCode, Output: string(res.Output)}
	}

	findings, err := ParseReport(reportPath)
	if err != nil {
		return Result{}, err
	}
	_, statErr := os.Stat(reportPath)
	g.log.Info("gitleaks finished",
		zap.String("repo", repoName),
		zap.Int("exit_code", res.ExitCode),
		zap.Int("findings", len(findings)))

	return Result{ReportPath: reportPath, ReportWritten: statErr == nil, Findings: findings}, nil
}

// reportPath is unique per call: the nanosecond timestamp orders reports and
// the uuid suffix separates scans of one repository started in the same tick.
func (g *Gitleaks) reportPath(repoName string, now time.Time) string {
	ts := strings.NewReplacer(":", "-", ".", "-").Replace(now.UTC().Format(time.RFC3339Nano))
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return filepath.Join(g.ReportsDir, fmt.Sprintf("%s_%s_%s.json", repoName, ts, suffix))
}

// ParseReport reads a gitleaks JSON report. A missing or blank file means
// gitleaks found nothing. Each finding gets a scan-local id and starts out
// pending review.
func ParseReport(path string) ([]model.LeakFinding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []model.LeakFinding{}, nil
		}
		return nil, fmt.Errorf("read report: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return []model.LeakFinding{}, nil
	}

	var findings []model.LeakFinding
	if err := json.Unmarshal(data, &findings); err != nil {
		return nil, &ReportParseError{Path: path, Err: err}
	}
	if findings == nil {
		findings = []model.LeakFinding{}
	}
	for i := range findings {
		findings[i].ID = fmt.Sprintf("finding-%d", i)
		findings[i].ReviewStatus = model.ReviewPending
	}
	return findings, nil
}
