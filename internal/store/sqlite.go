package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lox/quakeassoc/internal/models"
	"github.com/rs/zerolog"
)

type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

func New(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// StoredEvent is an event row with its cancellation state.
type StoredEvent struct {
	models.Event
	CanceledAt   sql.NullTime
	CancelReason sql.NullString
}

func (s *Store) UpsertStation(st models.Site) error {
	_, err := s.db.Exec(`
		INSERT INTO stations (scnl, station, channel, network, location, latitude, longitude, elevation, quality, enabled, use_for_tele, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scnl) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			elevation = excluded.elevation,
			quality = excluded.quality,
			enabled = excluded.enabled,
			use_for_tele = excluded.use_for_tele,
			updated_at = excluded.updated_at
	`, st.SCNL(), st.Station, st.Channel, st.Network, st.Location, st.Latitude, st.Longitude,
		st.Elevation, st.Quality, st.Enable, st.UseForTele, time.Now().UTC())
	return err
}

// SyncStations upserts every station in one transaction.
func (s *Store) SyncStations(list []models.Site) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin station sync: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO stations (scnl, station, channel, network, location, latitude, longitude, elevation, quality, enabled, use_for_tele, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scnl) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			elevation = excluded.elevation,
			quality = excluded.quality,
			enabled = excluded.enabled,
			use_for_tele = excluded.use_for_tele,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, st := range list {
		if _, err := stmt.Exec(st.SCNL(), st.Station, st.Channel, st.Network, st.Location, st.Latitude,
			st.Longitude, st.Elevation, st.Quality, st.Enable, st.UseForTele, now); err != nil {
			return fmt.Errorf("station %s: %w", st.SCNL(), err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetStations() ([]models.Site, error) {
	rows, err := s.db.Query(`
		SELECT station, channel, network, location, latitude, longitude, elevation, quality, enabled, use_for_tele
		FROM stations ORDER BY scnl
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Site
	for rows.Next() {
		var st models.Site
		if err := rows.Scan(&st.Station, &st.Channel, &st.Network, &st.Location, &st.Latitude, &st.Longitude,
			&st.Elevation, &st.Quality, &st.Enable, &st.UseForTele); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// SaveEvent writes an event and replaces its associated picks. A version not
// newer than the stored one is ignored; it reports whether the row changed.
func (s *Store) SaveEvent(ev models.Event) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin save event: %w", err)
	}
	defer tx.Rollback()

	var stored sql.NullInt64
	err = tx.QueryRow(`SELECT version FROM events WHERE id = ?`, ev.ID).Scan(&stored)
	if err != nil && err != sql.ErrNoRows {
		return false, err
	}
	if stored.Valid && int(stored.Int64) >= ev.Version {
		return false, nil
	}

	reportedAt := ev.ReportedAt
	if reportedAt.IsZero() {
		reportedAt = time.Now()
	}
	_, err = tx.Exec(`
		INSERT INTO events (id, web, version, origin_time, latitude, longitude, depth, bayes, gap,
			min_distance, med_distance, residual_std, pick_count, converged, reported_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			web = excluded.web,
			version = excluded.version,
			origin_time = excluded.origin_time,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			depth = excluded.depth,
			bayes = excluded.bayes,
			gap = excluded.gap,
			min_distance = excluded.min_distance,
			med_distance = excluded.med_distance,
			residual_std = excluded.residual_std,
			pick_count = excluded.pick_count,
			converged = excluded.converged,
			reported_at = excluded.reported_at
	`, ev.ID, ev.Web, ev.Version, ev.OriginTime, ev.Latitude, ev.Longitude, ev.Depth, ev.Bayes, ev.Gap,
		ev.MinDistance, ev.MedDistance, ev.ResidualStd, ev.PickCount, ev.Converged, reportedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("upsert event %s: %w", ev.ID, err)
	}

	if _, err := tx.Exec(`DELETE FROM event_picks WHERE event_id = ?`, ev.ID); err != nil {
		return false, fmt.Errorf("clear event picks: %w", err)
	}
	for _, p := range ev.Picks {
		_, err := tx.Exec(`
			INSERT INTO event_picks (event_id, pick_id, kind, scnl, phase, time, residual, distance, azimuth)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, ev.ID, p.ID, p.Kind, p.SCNL, p.Phase, p.Time, p.Residual, p.Distance, p.Azimuth)
		if err != nil {
			return false, fmt.Errorf("insert event pick %s: %w", p.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// CancelEvent marks a stored event canceled. Unknown IDs are not an error.
func (s *Store) CancelEvent(id, reason string) error {
	_, err := s.db.Exec(`
		UPDATE events SET canceled_at = ?, cancel_reason = ?
		WHERE id = ? AND canceled_at IS NULL
	`, time.Now().UTC(), reason, id)
	return err
}

func (s *Store) GetEvent(id string) (*StoredEvent, error) {
	row := s.db.QueryRow(`
		SELECT id, web, version, origin_time, latitude, longitude, depth, bayes, gap, min_distance,
			med_distance, residual_std, pick_count, converged, reported_at, canceled_at, cancel_reason
		FROM events WHERE id = ?
	`, id)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ev.Picks, err = s.getEventPicks(id)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// GetEvents returns events with origin time in [from, to], newest first.
func (s *Store) GetEvents(from, to float64, limit int) ([]StoredEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, web, version, origin_time, latitude, longitude, depth, bayes, gap, min_distance,
			med_distance, residual_std, pick_count, converged, reported_at, canceled_at, cancel_reason
		FROM events
		WHERE origin_time >= ? AND origin_time <= ?
		ORDER BY origin_time DESC
		LIMIT ?
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func (s *Store) getEventPicks(id string) ([]models.EventPick, error) {
	rows, err := s.db.Query(`
		SELECT pick_id, kind, scnl, phase, time, residual, distance, azimuth
		FROM event_picks WHERE event_id = ? ORDER BY time
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.EventPick
	for rows.Next() {
		var p models.EventPick
		if err := rows.Scan(&p.ID, &p.Kind, &p.SCNL, &p.Phase, &p.Time, &p.Residual, &p.Distance, &p.Azimuth); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*StoredEvent, error) {
	var ev StoredEvent
	var web sql.NullString
	err := row.Scan(&ev.ID, &web, &ev.Version, &ev.OriginTime, &ev.Latitude, &ev.Longitude, &ev.Depth,
		&ev.Bayes, &ev.Gap, &ev.MinDistance, &ev.MedDistance, &ev.ResidualStd, &ev.PickCount,
		&ev.Converged, &ev.ReportedAt, &ev.CanceledAt, &ev.CancelReason)
	if err != nil {
		return nil, err
	}
	ev.Web = web.String
	return &ev, nil
}

// CleanupOldEvents deletes events with origin time before cutoff.
func (s *Store) CleanupOldEvents(cutoff float64) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`
		DELETE FROM event_picks WHERE event_id IN (SELECT id FROM events WHERE origin_time < ?)
	`, cutoff); err != nil {
		return 0, err
	}
	result, err := tx.Exec(`DELETE FROM events WHERE origin_time < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}
