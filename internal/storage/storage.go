package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for jobs and per-frame alignment
// statistics. A nil *Store accepts writes and discards them.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and migrates the schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string     `json:"id"`
	JobType     string     `json:"job_type"`
	Status      string     `json:"status"`
	InputPath   string     `json:"input_path"`
	OutputPath  string     `json:"output_path"`
	OptionsJSON string     `json:"options_json,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// FrameAlignment is the stored outcome of aligning one frame.
type FrameAlignment struct {
	JobID      string     `json:"job_id"`
	FrameIndex int        `json:"frame_index"`
	Path       string     `json:"path"`
	Matches    int        `json:"matches"`
	Inliers    int        `json:"inliers"`
	Skipped    bool       `json:"skipped"`
	Homography [9]float64 `json:"homography"`
	Error      string     `json:"error,omitempty"`
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	_, err = s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecordFrameAlignment stores the alignment outcome for one frame.
func (s *Store) RecordFrameAlignment(fa FrameAlignment) error {
	if s == nil {
		return nil
	}
	h, err := json.Marshal(fa.Homography)
	if err != nil {
		return fmt.Errorf("marshal homography: %w", err)
	}
	_, err = s.DB.Exec(`INSERT OR REPLACE INTO frame_alignments (job_id, frame_index, path, matches, inliers, skipped, homography_json, error_message) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		fa.JobID, fa.FrameIndex, fa.Path, fa.Matches, fa.Inliers, fa.Skipped, string(h), fa.Error)
	return err
}

// FrameAlignments returns the stored per-frame outcomes of a job, by frame.
func (s *Store) FrameAlignments(jobID string) ([]FrameAlignment, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT job_id, frame_index, path, matches, inliers, skipped, homography_json, error_message FROM frame_alignments WHERE job_id=? ORDER BY frame_index;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FrameAlignment
	for rows.Next() {
		var fa FrameAlignment
		var path, hJSON, errMsg sql.NullString
		if err := rows.Scan(&fa.JobID, &fa.FrameIndex, &path, &fa.Matches, &fa.Inliers, &fa.Skipped, &hJSON, &errMsg); err != nil {
			return nil, err
		}
		fa.Path = path.String
		fa.Error = errMsg.String
		if hJSON.Valid && hJSON.String != "" {
			if err := json.Unmarshal([]byte(hJSON.String), &fa.Homography); err != nil {
				return nil, fmt.Errorf("unmarshal homography: %w", err)
			}
		}
		out = append(out, fa)
	}
	return out, rows.Err()
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Job fetches a single job record.
func (s *Store) Job(id string) (JobRecord, error) {
	if s == nil {
		return JobRecord{}, errors.New("store not initialized")
	}
	row := s.DB.QueryRow(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs WHERE id=?;`, id)
	return scanJob(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(r scanner) (JobRecord, error) {
	var rec JobRecord
	var created time.Time
	var started, completed sql.NullTime
	var input, output, options, errorMsg sql.NullString
	if err := r.Scan(&rec.ID, &rec.JobType, &rec.Status, &input, &output, &options, &created, &started, &completed, &errorMsg); err != nil {
		return JobRecord{}, err
	}
	rec.CreatedAt = created
	rec.InputPath = input.String
	rec.OutputPath = output.String
	rec.OptionsJSON = options.String
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	if errorMsg.Valid {
		rec.Error = errorMsg.String
	}
	return rec, nil
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}
