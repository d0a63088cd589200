package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yourorg/leak-scanner/internal/model"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	return NewFileStore(filepath.Join(t.TempDir(), "reports"), zaptest.NewLogger(t))
}

func scanResult(id string, status model.ScanStatus) model.ScanResult {
	days := 30
	return model.ScanResult{
		ID:          id,
		RepoName:    "api",
		RepoURL:     "https://example.com/org/api.git",
		Timestamp:   "2024-03-31T08:30:00Z",
		CommitCount: 12,
		SinceDays:   &days,
		Status:      status,
	}
}

func findings(n int) []model.LeakFinding {
	out := make([]model.LeakFinding, n)
	for i := range out {
		out[i] = model.LeakFinding{
			ID:           fmt.Sprintf("finding-%d", i),
			RuleID:       fmt.Sprintf("rule-%d", i),
			File:         "main.go",
			StartLine:    i + 1,
			Tags:         []string{},
			ReviewStatus: model.ReviewPending,
		}
	}
	return out
}

func TestSaveGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	res := scanResult("api-1", model.StatusCompleted)
	res.ReportPath = "/reports/api.json"
	res.FindingsCount = 3
	fs := findings(3)

	require.NoError(t, s.Save(ctx, res, fs))

	got, err := s.Get(ctx, "api-1")
	require.NoError(t, err)
	assert.Equal(t, res, got.ScanResult)
	assert.Equal(t, fs, got.Findings)
}

func TestSaveWithoutReportPathSkipsDetail(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Save(ctx, scanResult("api-1", model.StatusScanning), findings(2)))

	got, err := s.Get(ctx, "api-1")
	require.NoError(t, err)
	assert.NotNil(t, got.Findings)
	assert.Empty(t, got.Findings)
	assert.NoFileExists(t, s.detailPath("api-1"))
}

func TestSaveUpsertsInPlace(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Save(ctx, scanResult("a-1", model.StatusPending), nil))
	require.NoError(t, s.Save(ctx, scanResult("b-2", model.StatusPending), nil))
	require.NoError(t, s.Save(ctx, scanResult("c-3", model.StatusPending), nil))

	updated := scanResult("b-2", model.StatusScanning)
	require.NoError(t, s.Save(ctx, updated, nil))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"c-3", "b-2", "a-1"}, ids(list), "newest first, update keeps position")
	assert.Equal(t, model.StatusScanning, list[1].Status)
}

func TestSaveRejectsUnsafeID(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"", "../escape", "a/b", `a\b`} {
		assert.Error(t, s.Save(context.Background(), scanResult(id, model.StatusPending), nil), id)
	}
}

func TestUpdateStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Save(ctx, scanResult("api-1", model.StatusScanning), nil))

	require.NoError(t, s.UpdateStatus(ctx, "api-1", model.StatusFailed, "clone failed"))
	got, err := s.Get(ctx, "api-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, "clone failed", got.Error)

	// empty message keeps the recorded error
	require.NoError(t, s.UpdateStatus(ctx, "api-1", model.StatusFailed, ""))
	got, err = s.Get(ctx, "api-1")
	require.NoError(t, err)
	assert.Equal(t, "clone failed", got.Error)

	require.NoError(t, s.UpdateStatus(ctx, "missing", model.StatusFailed, "x"))
	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestGetUnknown(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"nope", "../metadata", ""} {
		_, err := s.Get(context.Background(), id)
		assert.ErrorIs(t, err, ErrNotFound, id)
	}
}

func TestSetFindingStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	res := scanResult("api-1", model.StatusCompleted)
	res.ReportPath = "/reports/api.json"
	require.NoError(t, s.Save(ctx, res, findings(2)))

	tests := []struct {
		name      string
		scanID    string
		findingID string
		want      bool
	}{
		{name: "known_finding", scanID: "api-1", findingID: "finding-1", want: true},
		{name: "unknown_finding", scanID: "api-1", findingID: "finding-9", want: false},
		{name: "unknown_scan", scanID: "other-1", findingID: "finding-0", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := s.SetFindingStatus(ctx, tt.scanID, tt.findingID, model.ReviewConfirmed)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}

	got, err := s.Get(ctx, "api-1")
	require.NoError(t, err)
	assert.Equal(t, model.ReviewPending, got.Findings[0].ReviewStatus)
	assert.Equal(t, model.ReviewConfirmed, got.Findings[1].ReviewStatus)
}

func TestSetFindingStatusIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	res := scanResult("api-1", model.StatusCompleted)
	res.ReportPath = "/reports/api.json"
	require.NoError(t, s.Save(ctx, res, findings(2)))

	ok, err := s.SetFindingStatus(ctx, "api-1", "finding-0", model.ReviewFalsePositive)
	require.NoError(t, err)
	require.True(t, ok)
	once, err := s.Get(ctx, "api-1")
	require.NoError(t, err)

	ok, err = s.SetFindingStatus(ctx, "api-1", "finding-0", model.ReviewFalsePositive)
	require.NoError(t, err)
	require.True(t, ok)
	twice, err := s.Get(ctx, "api-1")
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	assert.Equal(t, model.ReviewFalsePositive, twice.Findings[0].ReviewStatus)
}

func TestSetFindingStatusWithoutDetail(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Save(ctx, scanResult("api-1", model.StatusFailed), nil))

	ok, err := s.SetFindingStatus(ctx, "api-1", "finding-0", model.ReviewConfirmed)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoFileExists(t, s.detailPath("api-1"))
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	res := scanResult("api-1", model.StatusCompleted)
	res.ReportPath = "/reports/api.json"
	require.NoError(t, s.Save(ctx, res, findings(1)))
	require.NoError(t, s.Save(ctx, scanResult("api-2", model.StatusCompleted), nil))

	ok, err := s.Delete(ctx, "api-1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.Get(ctx, "api-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoFileExists(t, s.detailPath("api-1"))

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"api-2"}, ids(list))
}

func TestDeleteUnknownHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Save(ctx, scanResult("api-1", model.StatusCompleted), nil))

	// a stray detail file without a metadata entry is left alone
	stray := s.detailPath("ghost-1")
	require.NoError(t, os.WriteFile(stray, []byte(`{"findings":[]}`), 0o644))
	before, err := os.ReadFile(s.metadataPath())
	require.NoError(t, err)

	ok, err := s.Delete(ctx, "ghost-1")
	require.NoError(t, err)
	assert.False(t, ok)

	after, err := os.ReadFile(s.metadataPath())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.FileExists(t, stray)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	res := scanResult("api-1", model.StatusCompleted)
	res.ReportPath = filepath.Join(s.Dir(), "api_raw.json")
	require.NoError(t, os.MkdirAll(s.Dir(), 0o755))
	require.NoError(t, os.WriteFile(res.ReportPath, []byte("[]"), 0o644))
	require.NoError(t, s.Save(ctx, res, findings(1)))

	require.NoError(t, s.Clear(ctx))

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestClearMissingDir(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Clear(context.Background()))
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	done := scanResult("api-1", model.StatusCompleted)
	done.ReportPath = "/reports/a.json"
	done.CommitCount = 10
	require.NoError(t, s.Save(ctx, done, findings(3)))
	_, err := s.SetFindingStatus(ctx, "api-1", "finding-0", model.ReviewConfirmed)
	require.NoError(t, err)
	_, err = s.SetFindingStatus(ctx, "api-1", "finding-1", model.ReviewFalsePositive)
	require.NoError(t, err)

	clean := scanResult("web-2", model.StatusCompleted)
	clean.CommitCount = 5
	require.NoError(t, s.Save(ctx, clean, nil))

	failed := scanResult("bad-3", model.StatusFailed)
	failed.ReportPath = "/reports/b.json"
	failed.CommitCount = 100
	require.NoError(t, s.Save(ctx, failed, findings(4)))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.Stats{
		TotalScans:     2,
		TotalCommits:   15,
		TotalFindings:  3,
		ConfirmedLeaks: 1,
		FalsePositives: 1,
		PendingReview:  1,
	}, st)
}

func TestCorruptMetadataIsAnError(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.MkdirAll(s.Dir(), 0o755))
	require.NoError(t, os.WriteFile(s.metadataPath(), []byte("{"), 0o644))

	_, err := s.List(context.Background())
	assert.Error(t, err)
}

func TestConcurrentSavesAreNotLost(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("repo%d-%d", i, i)
			assert.NoError(t, s.Save(ctx, scanResult(id, model.StatusPending), nil))
			assert.NoError(t, s.UpdateStatus(ctx, id, model.StatusScanning, ""))
		}(i)
	}
	wg.Wait()

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, n)
	for _, r := range list {
		assert.Equal(t, model.StatusScanning, r.Status, r.ID)
	}
}

func ids(list []model.ScanResult) []string {
	out := make([]string, len(list))
	for i, r := range list {
		out[i] = r.ID
	}
	return out
}
