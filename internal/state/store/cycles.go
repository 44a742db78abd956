package store

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/opentalon/toolgate/internal/contract"
	"github.com/opentalon/toolgate/internal/controller"
	"github.com/opentalon/toolgate/internal/orchestrator"
)

// CycleStore persists cycle results and the transition audit trail. It is an
// orchestrator.Sink.
type CycleStore struct {
	db     *DB
	logger *zap.Logger
}

func NewCycleStore(db *DB, logger *zap.Logger) *CycleStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CycleStore{db: db, logger: logger}
}

// CycleRow is the stored header of one cycle.
type CycleRow struct {
	CycleID           string    `json:"cycle_id"`
	PlanID            string    `json:"plan_id"`
	SourcePlanID      string    `json:"phase21_plan_id,omitempty"`
	ValidationID      string    `json:"phase22_validation_id,omitempty"`
	TotalTools        int       `json:"total_tools"`
	Successful        int       `json:"successful_executions"`
	Failed            int       `json:"failed_executions"`
	Aborted           int       `json:"aborted_executions"`
	ConflictsDetected int       `json:"conflicts_detected"`
	ConflictsResolved int       `json:"conflicts_resolved"`
	RollbacksExecuted int       `json:"rollbacks_executed"`
	Locked            bool      `json:"locked"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
}

func (s *CycleStore) RecordCycle(ctx context.Context, report orchestrator.CycleReport) error {
	return s.Save(ctx, report.Result, report.Transitions)
}

// Save writes the cycle, its executions and transitions in one transaction.
// Saving the same cycle twice is a no-op.
func (s *CycleStore) Save(ctx context.Context, res *orchestrator.OrchestrationResult, transitions []controller.Transition) error {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.db.rebind(`INSERT INTO cycles (
		cycle_id, plan_id, source_plan_id, validation_id, total_tools, successful, failed, aborted,
		conflicts_detected, conflicts_resolved, rollbacks_executed, locked, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (cycle_id) DO NOTHING`),
		res.CycleID, res.PlanID, res.SourcePlanID, res.ValidationID,
		res.TotalTools, res.Successful, res.Failed, res.Aborted,
		res.ConflictsDetected, res.ConflictsResolved, res.RollbacksExecuted,
		boolInt(res.Locked), res.StartedAt.UnixNano(), res.FinishedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("store: insert cycle: %w", err)
	}

	execStmt := s.db.rebind(`INSERT INTO tool_executions (
		cycle_id, seq, call_id, tool, agent, mode, status, confidence, delay_ms, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (cycle_id, seq) DO NOTHING`)
	for _, rec := range res.Records {
		_, err := tx.ExecContext(ctx, execStmt,
			res.CycleID, rec.Seq, rec.CallID, rec.Tool, rec.Agent, string(rec.Mode), string(rec.Status),
			rec.Confidence, rec.Delay.Milliseconds(), rec.Error, rec.StartedAt.UnixNano(), rec.Duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("store: insert execution %d: %w", rec.Seq, err)
		}
	}

	transStmt := s.db.rebind(`INSERT INTO transitions (id, cycle_id, position, from_state, to_state, reason, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`)
	for i, t := range transitions {
		_, err := tx.ExecContext(ctx, transStmt,
			t.ID, res.CycleID, i, string(t.From), string(t.To), t.Reason, t.Timestamp.UnixNano())
		if err != nil {
			return fmt.Errorf("store: insert transition %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	s.logger.Debug("cycle stored", zap.String("cycle_id", res.CycleID), zap.Int("records", len(res.Records)))
	return nil
}

// RecentCycles returns up to limit cycles, newest first.
func (s *CycleStore) RecentCycles(ctx context.Context, limit int) ([]CycleRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.db.QueryContext(ctx, s.db.rebind(`SELECT
		cycle_id, plan_id, source_plan_id, validation_id, total_tools, successful, failed, aborted,
		conflicts_detected, conflicts_resolved, rollbacks_executed, locked, started_at, finished_at
		FROM cycles ORDER BY started_at DESC, cycle_id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("store: query cycles: %w", err)
	}
	defer rows.Close()

	var out []CycleRow
	for rows.Next() {
		var (
			c                 CycleRow
			locked            int
			started, finished int64
		)
		if err := rows.Scan(&c.CycleID, &c.PlanID, &c.SourcePlanID, &c.ValidationID,
			&c.TotalTools, &c.Successful, &c.Failed, &c.Aborted,
			&c.ConflictsDetected, &c.ConflictsResolved, &c.RollbacksExecuted,
			&locked, &started, &finished); err != nil {
			return nil, fmt.Errorf("store: scan cycle: %w", err)
		}
		c.Locked = locked != 0
		c.StartedAt = time.Unix(0, started).UTC()
		c.FinishedAt = time.Unix(0, finished).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// Executions returns the records of one cycle in execution order.
func (s *CycleStore) Executions(ctx context.Context, cycleID string) ([]orchestrator.ToolRecord, error) {
	rows, err := s.db.db.QueryContext(ctx, s.db.rebind(`SELECT
		seq, call_id, tool, agent, mode, status, confidence, delay_ms, error, started_at, duration_ms
		FROM tool_executions WHERE cycle_id = ? ORDER BY seq`), cycleID)
	if err != nil {
		return nil, fmt.Errorf("store: query executions: %w", err)
	}
	defer rows.Close()

	var out []orchestrator.ToolRecord
	for rows.Next() {
		var (
			rec                 orchestrator.ToolRecord
			mode, status        string
			delayMS, durationMS int64
			started             int64
		)
		if err := rows.Scan(&rec.Seq, &rec.CallID, &rec.Tool, &rec.Agent, &mode, &status,
			&rec.Confidence, &delayMS, &rec.Error, &started, &durationMS); err != nil {
			return nil, fmt.Errorf("store: scan execution: %w", err)
		}
		rec.Mode = contract.Mode(mode)
		rec.Status = orchestrator.ToolStatus(status)
		rec.Delay = time.Duration(delayMS) * time.Millisecond
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.StartedAt = time.Unix(0, started).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Transitions returns the newest limit transitions in chronological order.
// A limit of zero or less returns all of them.
func (s *CycleStore) Transitions(ctx context.Context, limit int) ([]controller.Transition, error) {
	query := `SELECT id, from_state, to_state, reason, recorded_at FROM transitions
		ORDER BY recorded_at DESC, position DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.db.QueryContext(ctx, s.db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: query transitions: %w", err)
	}
	defer rows.Close()

	var out []controller.Transition
	for rows.Next() {
		var (
			t        controller.Transition
			from, to string
			at       int64
		)
		if err := rows.Scan(&t.ID, &from, &to, &t.Reason, &at); err != nil {
			return nil, fmt.Errorf("store: scan transition: %w", err)
		}
		t.From = controller.State(from)
		t.To = controller.State(to)
		t.Timestamp = time.Unix(0, at).UTC()
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ orchestrator.Sink = (*CycleStore)(nil)
