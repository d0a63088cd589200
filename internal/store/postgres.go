package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yourorg/leak-scanner/internal/model"
)

const batchSize = 100

// PostgresStore keeps scans in leak_scans and findings in leak_findings. The
// full gitleaks finding is stored as JSONB; review_status is its own column so
// triage is a single-row update.
type PostgresStore struct{ Pool *pgxpool.Pool }

var _ Store = (*PostgresStore)(nil)

func OpenPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	p, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{Pool: p}, nil
}

func (s *PostgresStore) Close() { s.Pool.Close() }

func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.Pool.Ping(ctx)
}

func (s *PostgresStore) notifyScanChanged(ctx context.Context, id string) {
	_, _ = s.Pool.Exec(ctx, `SELECT pg_notify('leak_scan_events', $1)`, id)
}

func (s *PostgresStore) Save(ctx context.Context, r model.ScanResult, findings []model.LeakFinding) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
INSERT INTO leak_scans (
  id, repo_name, repo_url, ts, commit_count, since_days, report_path,
  findings_count, status, error_msg, stage, progress, archive_key
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO UPDATE SET
  repo_name = EXCLUDED.repo_name,
  repo_url = EXCLUDED.repo_url,
  ts = EXCLUDED.ts,
  commit_count = EXCLUDED.commit_count,
  since_days = EXCLUDED.since_days,
  report_path = EXCLUDED.report_path,
  findings_count = EXCLUDED.findings_count,
  status = EXCLUDED.status,
  error_msg = EXCLUDED.error_msg,
  stage = EXCLUDED.stage,
  progress = EXCLUDED.progress,
  archive_key = EXCLUDED.archive_key`,
		r.ID, r.RepoName, r.RepoURL, r.Timestamp, r.CommitCount, r.SinceDays, r.ReportPath,
		r.FindingsCount, string(r.Status), r.Error, r.Stage, r.Progress, r.ArchiveKey,
	)
	if err != nil {
		return fmt.Errorf("upsert scan: %w", err)
	}

	if findings != nil && r.ReportPath != "" {
		if _, err := tx.Exec(ctx, `DELETE FROM leak_findings WHERE scan_id=$1`, r.ID); err != nil {
			return err
		}
		if err := batchInsertFindings(ctx, tx, r.ID, findings); err != nil {
			return fmt.Errorf("batch insert findings: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.notifyScanChanged(ctx, r.ID)
	return nil
}

// batchInsertFindings queues findings in chunks of batchSize on one pgx.Batch
// per chunk.
func batchInsertFindings(ctx context.Context, tx pgx.Tx, scanID string, findings []model.LeakFinding) error {
	for start := 0; start < len(findings); start += batchSize {
		end := min(start+batchSize, len(findings))
		chunk := findings[start:end]

		batch := &pgx.Batch{}
		for i, f := range chunk {
			raw, err := json.Marshal(f)
			if err != nil {
				return err
			}
			batch.Queue(`
INSERT INTO leak_findings (scan_id, idx, finding_id, rule_id, file, commit_sha, review_status, raw)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)`,
				scanID, start+i, f.ID, f.RuleID, f.File, f.Commit, string(f.ReviewStatus), string(raw))
		}

		br := tx.SendBatch(ctx, batch)
		for range chunk {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return err
			}
		}
		if err := br.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status model.ScanStatus, errMsg string) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE leak_scans
		SET status=$2,
		    error_msg=CASE WHEN $3 <> '' THEN $3 ELSE error_msg END
		WHERE id=$1
	`, id, string(status), errMsg)
	if err == nil && tag.RowsAffected() > 0 {
		s.notifyScanChanged(ctx, id)
	}
	return err
}

const scanColumns = `id, repo_name, repo_url, ts, commit_count, since_days, report_path,
  findings_count, status, error_msg, stage, progress, archive_key`

func scanRow(row pgx.Row) (model.ScanResult, error) {
	var (
		r      model.ScanResult
		status string
	)
	err := row.Scan(&r.ID, &r.RepoName, &r.RepoURL, &r.Timestamp, &r.CommitCount, &r.SinceDays,
		&r.ReportPath, &r.FindingsCount, &status, &r.Error, &r.Stage, &r.Progress, &r.ArchiveKey)
	r.Status = model.ScanStatus(status)
	return r, err
}

func (s *PostgresStore) List(ctx context.Context) ([]model.ScanResult, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+scanColumns+` FROM leak_scans ORDER BY seq DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.ScanResult{}
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*model.ScanReport, error) {
	r, err := scanRow(s.Pool.QueryRow(ctx, `SELECT `+scanColumns+` FROM leak_scans WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := s.Pool.Query(ctx, `
		SELECT raw, review_status FROM leak_findings WHERE scan_id=$1 ORDER BY idx
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	report := &model.ScanReport{ScanResult: r, Findings: []model.LeakFinding{}}
	for rows.Next() {
		var (
			raw    []byte
			review string
			f      model.LeakFinding
		)
		if err := rows.Scan(&raw, &review); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("decode finding: %w", err)
		}
		f.ReviewStatus = model.ReviewStatus(review)
		report.Findings = append(report.Findings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return report, nil
}

func (s *PostgresStore) SetFindingStatus(ctx context.Context, scanID, findingID string, status model.ReviewStatus) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE leak_findings SET review_status=$3 WHERE scan_id=$1 AND finding_id=$2
	`, scanID, findingID, string(status))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM leak_scans WHERE id=$1`, id)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	s.notifyScanChanged(ctx, id)
	return true, nil
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, `TRUNCATE leak_findings, leak_scans`)
	return err
}

func (s *PostgresStore) Stats(ctx context.Context) (model.Stats, error) {
	var st model.Stats
	err := s.Pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(commit_count), 0)
		FROM leak_scans WHERE status='completed'
	`).Scan(&st.TotalScans, &st.TotalCommits)
	if err != nil {
		return st, err
	}

	rows, err := s.Pool.Query(ctx, `
		SELECT f.review_status, COUNT(*)
		FROM leak_findings f
		JOIN leak_scans s ON s.id = f.scan_id
		WHERE s.status='completed'
		GROUP BY f.review_status
	`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			review string
			n      int
		)
		if err := rows.Scan(&review, &n); err != nil {
			return st, err
		}
		st.TotalFindings += n
		switch model.ReviewStatus(review) {
		case model.ReviewConfirmed:
			st.ConfirmedLeaks += n
		case model.ReviewFalsePositive:
			st.FalsePositives += n
		default:
			st.PendingReview += n
		}
	}
	return st, rows.Err()
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS leak_scans (
  seq BIGSERIAL,
  id TEXT PRIMARY KEY,
  repo_name TEXT NOT NULL,
  repo_url TEXT NOT NULL,
  ts TEXT NOT NULL,
  commit_count INTEGER NOT NULL DEFAULT 0,
  since_days INTEGER,
  report_path TEXT NOT NULL DEFAULT '',
  findings_count INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL CHECK (status IN ('pending','scanning','completed','failed')),
  error_msg TEXT NOT NULL DEFAULT '',
  stage TEXT NOT NULL DEFAULT '',
  progress INTEGER NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 100),
  archive_key TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_leak_scans_seq ON leak_scans (seq DESC);
CREATE INDEX IF NOT EXISTS idx_leak_scans_status ON leak_scans (status);

CREATE TABLE IF NOT EXISTS leak_findings (
  scan_id TEXT NOT NULL REFERENCES leak_scans(id) ON DELETE CASCADE,
  idx INTEGER NOT NULL,
  finding_id TEXT NOT NULL,
  rule_id TEXT NOT NULL DEFAULT '',
  file TEXT NOT NULL DEFAULT '',
  commit_sha TEXT NOT NULL DEFAULT '',
  review_status TEXT NOT NULL DEFAULT 'pending'
    CHECK (review_status IN ('pending','false_positive','confirmed')),
  raw JSONB NOT NULL DEFAULT '{}'::jsonb,
  PRIMARY KEY (scan_id, finding_id)
);

CREATE INDEX IF NOT EXISTS idx_leak_findings_scan_idx ON leak_findings (scan_id, idx);
CREATE INDEX IF NOT EXISTS idx_leak_findings_rule ON leak_findings (rule_id);
`)
	return err
}
