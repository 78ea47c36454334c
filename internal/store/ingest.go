package store

import (
	"database/sql"
	"time"
)

// InputRun records one pass over an input source for auditing.
type InputRun struct {
	ID           int64
	StartedAt    time.Time
	FinishedAt   sql.NullTime
	Source       string // file name, "http" or "replay"
	Format       string
	LinesRead    int64
	Accepted     int64
	Rejected     int64
	Success      bool
	ErrorMessage sql.NullString
}

// StartInputRun creates a new input run record and returns it.
func (s *Store) StartInputRun(source, format string) (*InputRun, error) {
	run := &InputRun{
		StartedAt: time.Now().UTC(),
		Source:    source,
		Format:    format,
	}

	result, err := s.db.Exec(`
		INSERT INTO input_runs (started_at, source, format, success)
		VALUES (?, ?, ?, FALSE)
	`, run.StartedAt, run.Source, run.Format)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteInputRun updates the run with its counts.
func (s *Store) CompleteInputRun(run *InputRun) error {
	if run == nil {
		return nil
	}
	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	_, err := s.db.Exec(`
		UPDATE input_runs SET
			finished_at = ?,
			lines_read = ?,
			accepted = ?,
			rejected = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.LinesRead, run.Accepted, run.Rejected, run.Success, run.ErrorMessage, run.ID)
	return err
}

// GetRecentInputRuns returns the latest runs, newest first.
func (s *Store) GetRecentInputRuns(limit int) ([]InputRun, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, source, format, lines_read, accepted, rejected, success, error_message
		FROM input_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []InputRun
	for rows.Next() {
		var r InputRun
		var format sql.NullString
		var lines, accepted, rejected sql.NullInt64
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Source, &format,
			&lines, &accepted, &rejected, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		r.Format = format.String
		r.LinesRead, r.Accepted, r.Rejected = lines.Int64, accepted.Int64, rejected.Int64
		results = append(results, r)
	}
	return results, rows.Err()
}
