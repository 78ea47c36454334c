package store

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/lox/quakeassoc/internal/models"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := New(db, zerolog.Nop())
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func testEvent(id string, version int) models.Event {
	return models.Event{
		ID:          id,
		Web:         "local",
		Latitude:    36.0,
		Longitude:   -97.5,
		Depth:       10,
		OriginTime:  1000,
		Bayes:       4.2,
		Gap:         120,
		MinDistance: 0.36,
		PickCount:   2,
		Converged:   true,
		Version:     version,
		ReportedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Picks: []models.EventPick{
			{ID: "p1", SCNL: "S01.HHZ.XX.00", Phase: "P", Time: 1006.5, Residual: 0.1, Distance: 0.36, Kind: "pick"},
			{ID: "p2", SCNL: "S02.HHZ.XX.00", Phase: "P", Time: 1009.1, Residual: -0.2, Distance: 0.49, Kind: "pick"},
		},
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	store := setupTestStore(t)
	if err := store.Migrate(); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	v, err := store.MigrationVersion()
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if v != len(migrations) {
		t.Errorf("version = %d, want %d", v, len(migrations))
	}
}

func TestSyncAndGetStations(t *testing.T) {
	store := setupTestStore(t)
	sites := []models.Site{
		{Station: "B", Channel: "HHZ", Network: "XX", Latitude: 36.1, Longitude: -97.4, Quality: 1, Enable: true},
		{Station: "A", Channel: "HHZ", Network: "XX", Latitude: 36.2, Longitude: -97.3, Quality: 0.5, Enable: false},
	}
	if err := store.SyncStations(sites); err != nil {
		t.Fatalf("SyncStations: %v", err)
	}

	moved := sites[0]
	moved.Latitude = 37
	if err := store.UpsertStation(moved); err != nil {
		t.Fatalf("UpsertStation: %v", err)
	}

	got, err := store.GetStations()
	if err != nil {
		t.Fatalf("GetStations: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Station != "A" || got[0].Enable {
		t.Errorf("first station = %+v, want disabled A", got[0])
	}
	if got[1].Latitude != 37 {
		t.Errorf("B latitude = %v, want 37", got[1].Latitude)
	}
}

func TestSaveEvent_Versions(t *testing.T) {
	store := setupTestStore(t)

	changed, err := store.SaveEvent(testEvent("h1", 1))
	if err != nil || !changed {
		t.Fatalf("SaveEvent v1 = %v, %v", changed, err)
	}

	v2 := testEvent("h1", 2)
	v2.Latitude = 36.1
	v2.Picks = v2.Picks[:1]
	v2.PickCount = 1
	if changed, err := store.SaveEvent(v2); err != nil || !changed {
		t.Fatalf("SaveEvent v2 = %v, %v", changed, err)
	}

	stale := testEvent("h1", 1)
	if changed, err := store.SaveEvent(stale); err != nil || changed {
		t.Errorf("SaveEvent stale = %v, %v, want false", changed, err)
	}

	ev, err := store.GetEvent("h1")
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if ev == nil {
		t.Fatal("GetEvent returned nil")
	}
	if ev.Version != 2 || ev.Latitude != 36.1 {
		t.Errorf("stored version %d lat %v, want 2 and 36.1", ev.Version, ev.Latitude)
	}
	if len(ev.Picks) != 1 || ev.Picks[0].ID != "p1" {
		t.Errorf("picks = %+v, want only p1", ev.Picks)
	}
	if ev.CanceledAt.Valid {
		t.Error("event should not be canceled")
	}

	missing, err := store.GetEvent("nope")
	if err != nil || missing != nil {
		t.Errorf("GetEvent(nope) = %v, %v, want nil, nil", missing, err)
	}
}

func TestCancelEventAndList(t *testing.T) {
	store := setupTestStore(t)
	for i, id := range []string{"a", "b", "c"} {
		ev := testEvent(id, 1)
		ev.OriginTime = 1000 + float64(i)*100
		if _, err := store.SaveEvent(ev); err != nil {
			t.Fatalf("SaveEvent %s: %v", id, err)
		}
	}
	if err := store.CancelEvent("b", "merged"); err != nil {
		t.Fatalf("CancelEvent: %v", err)
	}
	if err := store.CancelEvent("unknown", "merged"); err != nil {
		t.Errorf("CancelEvent unknown: %v", err)
	}

	events, err := store.GetEvents(1050, 2000, 10)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len = %d, want 2", len(events))
	}
	if events[0].ID != "c" || events[1].ID != "b" {
		t.Errorf("order = %s,%s, want c,b", events[0].ID, events[1].ID)
	}
	if !events[1].CanceledAt.Valid || events[1].CancelReason.String != "merged" {
		t.Errorf("b cancel = %+v %+v", events[1].CanceledAt, events[1].CancelReason)
	}

	n, err := store.CleanupOldEvents(1150)
	if err != nil {
		t.Fatalf("CleanupOldEvents: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
}

func TestInputRunsAndRawMessages(t *testing.T) {
	store := setupTestStore(t)

	run, err := store.StartInputRun("picks.txt", "gpick")
	if err != nil {
		t.Fatalf("StartInputRun: %v", err)
	}
	payload := []byte(`{"Type":"Pick","ID":"p1"}`)
	id, err := store.StoreRawMessage(run.ID, "Pick", payload)
	if err != nil || id == 0 {
		t.Fatalf("StoreRawMessage = %d, %v", id, err)
	}
	dup, err := store.StoreRawMessage(run.ID, "Pick", payload)
	if err != nil || dup != 0 {
		t.Errorf("duplicate StoreRawMessage = %d, %v, want 0", dup, err)
	}
	got, err := store.GetRawMessage(id)
	if err != nil {
		t.Fatalf("GetRawMessage: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}

	run.LinesRead, run.Accepted, run.Rejected, run.Success = 3, 2, 1, true
	if err := store.CompleteInputRun(run); err != nil {
		t.Fatalf("CompleteInputRun: %v", err)
	}
	runs, err := store.GetRecentInputRuns(5)
	if err != nil {
		t.Fatalf("GetRecentInputRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Accepted != 2 || !runs[0].Success || !runs[0].FinishedAt.Valid {
		t.Errorf("runs = %+v", runs)
	}
}

func TestSink_ReportAndRetract(t *testing.T) {
	store := setupTestStore(t)
	sink := NewSink(store)

	if err := sink.Report(testEvent("h1", 1)); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if err := sink.Retract(testEvent("h1", 1), "fitness"); err != nil {
		t.Fatalf("Retract: %v", err)
	}
	ev, err := store.GetEvent("h1")
	if err != nil || ev == nil {
		t.Fatalf("GetEvent = %v, %v", ev, err)
	}
	if ev.CancelReason.String != "fitness" {
		t.Errorf("CancelReason = %q, want fitness", ev.CancelReason.String)
	}
}

func TestSink_PermanentErrorNotRetried(t *testing.T) {
	store := setupTestStore(t)
	sink := NewSink(store)
	calls := 0
	want := errors.New("constraint")
	err := sink.retry(func() error {
		calls++
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
