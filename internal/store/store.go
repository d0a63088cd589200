// Package store persists scan metadata and per-scan finding details.
package store

import (
	"context"
	"errors"

	"github.com/yourorg/leak-scanner/internal/model"
)

// ErrNotFound is returned by Get for an unknown scan id.
var ErrNotFound = errors.New("scan not found")

// Store is the source of truth for scan status and triage state.
//
// Save upserts result by id: an existing entry is replaced in place, a new one
// is prepended so List stays newest first. The detail record is written only
// when findings is non-nil and result.ReportPath is set.
type Store interface {
	Save(ctx context.Context, result model.ScanResult, findings []model.LeakFinding) error
	// UpdateStatus is a no-op for an unknown id. An empty errMsg leaves the
	// stored error untouched.
	UpdateStatus(ctx context.Context, id string, status model.ScanStatus, errMsg string) error
	List(ctx context.Context) ([]model.ScanResult, error)
	Get(ctx context.Context, id string) (*model.ScanReport, error)
	// SetFindingStatus returns false when the scan or finding is unknown.
	SetFindingStatus(ctx context.Context, scanID, findingID string, status model.ReviewStatus) (bool, error)
	// Delete returns false when id has no metadata entry.
	Delete(ctx context.Context, id string) (bool, error)
	Clear(ctx context.Context) error
	// Stats aggregates over completed scans only.
	Stats(ctx context.Context) (model.Stats, error)
}
