package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/yourorg/leak-scanner/internal/model"
)

const (
	metadataFile = "metadata.json"
	detailSuffix = "-detail.json"
)

type metadata struct {
	Scans []model.ScanResult `json:"scans"`
}

// FileStore keeps one metadata.json listing every scan plus one
// <id>-detail.json per scan with findings. All read-modify-write cycles run
// under mu; files are replaced by rename so a reader never sees a torn write.
type FileStore struct {
	dir string
	log *zap.Logger
	mu  sync.Mutex
}

var _ Store = (*FileStore)(nil)

func NewFileStore(dir string, log *zap.Logger) *FileStore {
	return &FileStore{dir: dir, log: log.With(zap.String("component", "store"))}
}

func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) metadataPath() string { return filepath.Join(s.dir, metadataFile) }

func (s *FileStore) detailPath(id string) string { return filepath.Join(s.dir, id+detailSuffix) }

// validID rejects ids that would escape the store directory.
func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}

func (s *FileStore) Save(_ context.Context, result model.ScanResult, findings []model.LeakFinding) error {
	if !validID(result.ID) {
		return fmt.Errorf("invalid scan id %q", result.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.loadMetadata()
	if err != nil {
		return err
	}
	if i := indexOf(meta.Scans, result.ID); i >= 0 {
		meta.Scans[i] = result
	} else {
		meta.Scans = append([]model.ScanResult{result}, meta.Scans...)
	}
	if err := s.writeJSON(s.metadataPath(), meta); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	if findings != nil && result.ReportPath != "" {
		report := model.ScanReport{ScanResult: result, Findings: findings}
		if err := s.writeJSON(s.detailPath(result.ID), report); err != nil {
			return fmt.Errorf("write detail %s: %w", result.ID, err)
		}
	}
	return nil
}

func (s *FileStore) UpdateStatus(_ context.Context, id string, status model.ScanStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.loadMetadata()
	if err != nil {
		return err
	}
	i := indexOf(meta.Scans, id)
	if i < 0 {
		return nil
	}
	meta.Scans[i].Status = status
	if errMsg != "" {
		meta.Scans[i].Error = errMsg
	}
	return s.writeJSON(s.metadataPath(), meta)
}

func (s *FileStore) List(_ context.Context) ([]model.ScanResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.loadMetadata()
	if err != nil {
		return nil, err
	}
	return meta.Scans, nil
}

func (s *FileStore) Get(_ context.Context, id string) (*model.ScanReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

// get merges the current metadata entry with the findings of the detail
// record, if any. Callers hold mu.
func (s *FileStore) get(id string) (*model.ScanReport, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	meta, err := s.loadMetadata()
	if err != nil {
		return nil, err
	}
	i := indexOf(meta.Scans, id)
	if i < 0 {
		return nil, ErrNotFound
	}

	report := &model.ScanReport{ScanResult: meta.Scans[i], Findings: []model.LeakFinding{}}
	detail, err := s.loadDetail(id)
	if err != nil {
		return nil, err
	}
	if detail != nil && detail.Findings != nil {
		report.Findings = detail.Findings
	}
	return report, nil
}

func (s *FileStore) SetFindingStatus(_ context.Context, scanID, findingID string, status model.ReviewStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report, err := s.get(scanID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	found := false
	for i := range report.Findings {
		if report.Findings[i].ID == findingID {
			report.Findings[i].ReviewStatus = status
			found = true
			break
		}
	}
	if !found {
		return false, nil
	}
	if err := s.writeJSON(s.detailPath(scanID), report); err != nil {
		return false, fmt.Errorf("write detail %s: %w", scanID, err)
	}
	return true, nil
}

func (s *FileStore) Delete(_ context.Context, id string) (bool, error) {
	if !validID(id) {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.loadMetadata()
	if err != nil {
		return false, err
	}
	i := indexOf(meta.Scans, id)
	if i < 0 {
		return false, nil
	}
	meta.Scans = append(meta.Scans[:i], meta.Scans[i+1:]...)
	if err := s.writeJSON(s.metadataPath(), meta); err != nil {
		return false, fmt.Errorf("write metadata: %w", err)
	}

	if err := os.Remove(s.detailPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Warn("remove detail record", zap.String("scan_id", id), zap.Error(err))
	}
	return true, nil
}

// Clear removes every entry in the store directory, raw gitleaks reports
// included when they share it.
func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read store dir: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.dir, e.Name())); err != nil {
			return fmt.Errorf("remove %s: %w", e.Name(), err)
		}
	}
	s.log.Info("cleared reports", zap.Int("entries", len(entries)))
	return nil
}

func (s *FileStore) Stats(_ context.Context) (model.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st model.Stats
	meta, err := s.loadMetadata()
	if err != nil {
		return st, err
	}
	for _, scan := range meta.Scans {
		if scan.Status != model.StatusCompleted {
			continue
		}
		st.TotalScans++
		st.TotalCommits += scan.CommitCount

		detail, err := s.loadDetail(scan.ID)
		if err != nil {
			return st, err
		}
		if detail == nil {
			continue
		}
		for _, f := range detail.Findings {
			st.Add(f)
		}
	}
	return st, nil
}

func (s *FileStore) loadMetadata() (metadata, error) {
	var meta metadata
	data, err := os.ReadFile(s.metadataPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return metadata{Scans: []model.ScanResult{}}, nil
		}
		return meta, fmt.Errorf("read metadata: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("decode metadata: %w", err)
	}
	if meta.Scans == nil {
		meta.Scans = []model.ScanResult{}
	}
	return meta, nil
}

// loadDetail returns nil, nil when the scan has no detail record.
func (s *FileStore) loadDetail(id string) (*model.ScanReport, error) {
	data, err := os.ReadFile(s.detailPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read detail %s: %w", id, err)
	}
	var report model.ScanReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("decode detail %s: %w", id, err)
	}
	return &report, nil
}

func (s *FileStore) writeJSON(path string, v any) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}

func indexOf(scans []model.ScanResult, id string) int {
	for i := range scans {
		if scans[i].ID == id {
			return i
		}
	}
	return -1
}
