package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/opentalon/toolgate/internal/config"
	"github.com/opentalon/toolgate/internal/conflict"
	"github.com/opentalon/toolgate/internal/journal"
	"github.com/opentalon/toolgate/internal/orchestrator"
)

func scanPlan() orchestrator.ExecutionPlan {
	return orchestrator.ExecutionPlan{
		PlanID:           "plan-1",
		AgentAssignments: map[string][]string{"agent-a": {"scan"}},
		ExecutionOrder:   []string{"scan"},
		ConfidenceScores: map[string]float64{"scan": 0.9},
	}
}

func TestNewWiresSinksAndRedisHistory(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Resolver.History.Backend = "redis"
	cfg.Resolver.History.Redis.Addr = mr.Addr()
	cfg.Sinks.JournalDir = filepath.Join(dir, "journal")
	cfg.Sinks.Store.Driver = "sqlite"
	cfg.Sinks.Store.DataDir = filepath.Join(dir, "data")

	a, err := New(context.Background(), cfg, zap.NewNop(), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	result := a.Orchestrator.ExecuteCycle(ctx, scanPlan())
	if result.Successful != 1 {
		t.Fatalf("result = %+v", result)
	}

	rows, err := a.Store.RecentCycles(ctx, 5)
	if err != nil {
		t.Fatalf("RecentCycles: %v", err)
	}
	if len(rows) != 1 || rows[0].CycleID != result.CycleID {
		t.Errorf("rows = %+v, want cycle %s", rows, result.CycleID)
	}

	if _, err := os.Stat(filepath.Join(cfg.Sinks.JournalDir, journal.ExecutionLogFile)); err != nil {
		t.Errorf("execution log missing: %v", err)
	}

	items, err := mr.List(conflict.DefaultRedisKey)
	if err != nil {
		t.Fatalf("redis list: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("history entries = %d, want 1", len(items))
	}
}

func TestNewRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := config.Default()
	cfg.Resolver.History.Backend = "redis"
	cfg.Resolver.History.Redis.Addr = addr

	if _, err := New(context.Background(), cfg, nil, Options{}); err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}

func TestNewUnknownApprovalKind(t *testing.T) {
	cfg := config.Default()
	cfg.Controller.Approval.Kind = "maybe"
	if _, err := New(context.Background(), cfg, nil, Options{}); err == nil {
		t.Fatal("expected error for unknown approval kind")
	}
}

func TestHandler(t *testing.T) {
	a, err := New(context.Background(), config.Default(), nil, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()
	a.Orchestrator.ExecuteCycle(context.Background(), scanPlan())

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		return resp.StatusCode, string(data)
	}

	code, body := get("/metrics")
	if code != http.StatusOK || !strings.Contains(body, "toolgate_cycles_total 1") {
		t.Errorf("/metrics = %d, missing toolgate_cycles_total 1", code)
	}

	code, body = get("/summary")
	if code != http.StatusOK {
		t.Fatalf("/summary status = %d", code)
	}
	var summary orchestrator.Summary
	if err := json.Unmarshal([]byte(body), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Cycles != 1 {
		t.Errorf("Cycles = %d, want 1", summary.Cycles)
	}

	if code, _ := get("/cycles"); code != http.StatusNotFound {
		t.Errorf("/cycles without store = %d, want 404", code)
	}
	if code, body := get("/healthz"); code != http.StatusOK || !strings.Contains(body, `"ok"`) {
		t.Errorf("/healthz = %d %s", code, body)
	}
}

func TestJobs(t *testing.T) {
	cfg := config.Default()
	cfg.Schedule = []config.JobConfig{{Name: "nightly", Spec: "@daily", Plan: "plans/nightly.yaml"}}
	a := &App{Config: cfg}
	jobs := a.Jobs()
	if len(jobs) != 1 || jobs[0].Name != "nightly" || jobs[0].Spec != "@daily" {
		t.Errorf("Jobs() = %+v", jobs)
	}
}
