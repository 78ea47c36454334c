package store

import (
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS stations (
    scnl TEXT PRIMARY KEY,
    station TEXT NOT NULL,
    channel TEXT,
    network TEXT NOT NULL,
    location TEXT,
    latitude REAL NOT NULL,
    longitude REAL NOT NULL,
    elevation REAL,
    quality REAL,
    enabled BOOLEAN DEFAULT TRUE,
    use_for_tele BOOLEAN DEFAULT TRUE,
    updated_at DATETIME
);

CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    web TEXT,
    version INTEGER NOT NULL,
    origin_time REAL NOT NULL,
    latitude REAL NOT NULL,
    longitude REAL NOT NULL,
    depth REAL NOT NULL,
    bayes REAL,
    gap REAL,
    min_distance REAL,
    med_distance REAL,
    residual_std REAL,
    pick_count INTEGER,
    converged BOOLEAN,
    reported_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS event_picks (
    event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
    pick_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    scnl TEXT NOT NULL,
    phase TEXT,
    time REAL NOT NULL,
    residual REAL,
    distance REAL,
    azimuth REAL,
    PRIMARY KEY (event_id, pick_id)
);

CREATE INDEX IF NOT EXISTS idx_events_origin ON events(origin_time);
CREATE INDEX IF NOT EXISTS idx_event_picks_scnl ON event_picks(scnl);
`,
	},
	{
		Version:     2,
		Description: "Track event cancellation",
		SQL: `
ALTER TABLE events ADD COLUMN canceled_at DATETIME;
ALTER TABLE events ADD COLUMN cancel_reason TEXT;
`,
	},
	{
		Version:     3,
		Description: "Input run audit and raw message archive",
		SQL: `
CREATE TABLE IF NOT EXISTS input_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    source TEXT NOT NULL,
    format TEXT,
    lines_read INTEGER,
    accepted INTEGER,
    rejected INTEGER,
    success BOOLEAN DEFAULT FALSE,
    error_message TEXT
);

CREATE TABLE IF NOT EXISTS raw_messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    input_run_id INTEGER REFERENCES input_runs(id),
    received_at DATETIME NOT NULL,
    kind TEXT NOT NULL,
    payload_compressed BLOB NOT NULL,
    payload_hash TEXT NOT NULL UNIQUE
);

CREATE INDEX IF NOT EXISTS idx_input_runs_started ON input_runs(started_at);
CREATE INDEX IF NOT EXISTS idx_raw_messages_received ON raw_messages(received_at);
`,
	},
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		s.logger.Info().Int("version", m.Version).Str("description", m.Description).Msg("applying migration")

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
