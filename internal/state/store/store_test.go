package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/opentalon/toolgate/internal/contract"
	"github.com/opentalon/toolgate/internal/controller"
	"github.com/opentalon/toolgate/internal/orchestrator"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Options{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenAndMigrations(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(Options{Driver: DriverSQLite, DataDir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var v int
	if err := db.SQLDB().QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v); err != nil {
		t.Fatalf("read schema_version: %v", err)
	}
	if v != 2 {
		t.Errorf("schema_version = %d, want 2", v)
	}
	_ = db.Close()

	db2, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("Open again: %v", err)
	}
	defer db2.Close()
	if err := db2.SQLDB().QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v); err != nil {
		t.Fatal(err)
	}
	if v != 2 {
		t.Errorf("schema_version after re-open = %d, want 2", v)
	}
}

func TestOpenErrors(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"sqlite without dir", Options{Driver: DriverSQLite}},
		{"postgres without dsn", Options{Driver: DriverPostgres}},
		{"unknown driver", Options{Driver: "oracle"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Open(tt.opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRebindDollar(t *testing.T) {
	got := rebindDollar("INSERT INTO t (a, b) VALUES (?, ?)")
	if want := "INSERT INTO t (a, b) VALUES ($1, $2)"; got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}
	db := &DB{driver: DriverSQLite}
	if got := db.rebind("SELECT ?"); got != "SELECT ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
}

func TestMigrationNumber(t *testing.T) {
	tests := []struct {
		name string
		want int
		ok   bool
	}{
		{"001_cycles.sql", 1, true},
		{"010_x_y.sql", 10, true},
		{"cycles.sql", 0, false},
		{"abc_cycles.sql", 0, false},
		{"000_zero.sql", 0, false},
	}
	for _, tt := range tests {
		n, err := migrationNumber(tt.name)
		if (err == nil) != tt.ok || n != tt.want {
			t.Errorf("migrationNumber(%q) = %d, %v; want %d ok=%v", tt.name, n, err, tt.want, tt.ok)
		}
	}
}

func sampleResult(id string, at time.Time) *orchestrator.OrchestrationResult {
	return &orchestrator.OrchestrationResult{
		PlanID:            "plan-" + id,
		CycleID:           id,
		SourcePlanID:      "p21",
		TotalTools:        2,
		Successful:        1,
		Failed:            1,
		ConflictsDetected: 1,
		ConflictsResolved: 1,
		Locked:            true,
		StartedAt:         at,
		FinishedAt:        at.Add(time.Second),
		Records: []orchestrator.ToolRecord{
			{Seq: 0, CallID: id + "-0", Tool: "scan", Agent: "a", Mode: contract.ModeDryRun, Status: orchestrator.StatusExecuted, Confidence: 0.9, StartedAt: at, Duration: 20 * time.Millisecond},
			{Seq: 1, Tool: "teleport", Agent: "a", Status: orchestrator.StatusFailed, Error: "unknown tool: teleport", Delay: 5 * time.Second, StartedAt: at},
		},
	}
}

func TestCycleStoreSaveAndQuery(t *testing.T) {
	ctx := context.Background()
	s := NewCycleStore(openTest(t), nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	trans := []controller.Transition{
		{ID: "t1", From: controller.StateMock, To: controller.StateDryRun, Reason: "execute scan", Timestamp: base},
		{ID: "t2", From: controller.StateDryRun, To: controller.StateLocked, Reason: "lock: anomaly", Timestamp: base.Add(time.Millisecond)},
	}
	if err := s.Save(ctx, sampleResult("c1", base), trans); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.RecordCycle(ctx, orchestrator.CycleReport{Result: sampleResult("c2", base.Add(time.Minute))}); err != nil {
		t.Fatalf("RecordCycle: %v", err)
	}
	// Saving again must not fail or duplicate.
	if err := s.Save(ctx, sampleResult("c1", base), trans); err != nil {
		t.Fatalf("Save twice: %v", err)
	}

	cycles, err := s.RecentCycles(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(cycles) != 2 {
		t.Fatalf("cycles = %d, want 2", len(cycles))
	}
	if cycles[0].CycleID != "c2" {
		t.Errorf("newest = %q, want c2", cycles[0].CycleID)
	}
	c1 := cycles[1]
	if !c1.Locked || c1.Failed != 1 || c1.SourcePlanID != "p21" || !c1.StartedAt.Equal(base) {
		t.Errorf("c1 = %+v", c1)
	}

	recs, err := s.Executions(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if recs[0].Mode != contract.ModeDryRun || recs[0].Duration != 20*time.Millisecond {
		t.Errorf("rec0 = %+v", recs[0])
	}
	if recs[1].Status != orchestrator.StatusFailed || recs[1].Delay != 5*time.Second {
		t.Errorf("rec1 = %+v", recs[1])
	}

	all, err := s.Transitions(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != "t1" || all[1].To != controller.StateLocked {
		t.Errorf("transitions = %+v", all)
	}
	last, err := s.Transitions(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(last) != 1 || last[0].ID != "t2" {
		t.Errorf("last transition = %+v", last)
	}
}

func TestCycleStorePostgres(t *testing.T) {
	dsn := os.Getenv("TOOLGATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TOOLGATE_TEST_POSTGRES_DSN not set")
	}
	db, err := Open(Options{Driver: DriverPostgres, DSN: dsn})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	s := NewCycleStore(db, nil)
	id := "pg-" + time.Now().Format("150405.000000")
	if err := s.Save(context.Background(), sampleResult(id, time.Now()), nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	recs, err := s.Executions(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Errorf("records = %d, want 2", len(recs))
	}
}
