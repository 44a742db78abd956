// Package journal writes orchestration artifacts to a directory:
//
//	tool_execution_log.jsonl          one line per tool invocation (appended)
//	execution_state_transitions.jsonl one line per controller transition (appended)
//	orchestration_summary.json        latest summary (rewritten)
//	tool_conflicts.json               cumulative conflict summary plus the last cycle's conflicts (rewritten)
package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opentalon/toolgate/internal/conflict"
	"github.com/opentalon/toolgate/internal/controller"
	"github.com/opentalon/toolgate/internal/orchestrator"
)

const (
	ExecutionLogFile = "tool_execution_log.jsonl"
	TransitionsFile  = "execution_state_transitions.jsonl"
	SummaryFile      = "orchestration_summary.json"
	ConflictsFile    = "tool_conflicts.json"
)

// ExecutionEntry is one line of the execution log.
type ExecutionEntry struct {
	CycleID string `json:"cycle_id"`
	PlanID  string `json:"plan_id"`
	orchestrator.ToolRecord
}

// TransitionEntry is one line of the transition log.
type TransitionEntry struct {
	CycleID string `json:"cycle_id"`
	controller.Transition
}

type ConflictReport struct {
	orchestrator.ConflictSummary
	CycleID     string                `json:"last_cycle_id"`
	Conflicts   []conflict.Conflict   `json:"conflicts"`
	Resolutions []conflict.Resolution `json:"resolutions"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// Writer is an orchestrator.Sink backed by files in Dir.
type Writer struct {
	mu     sync.Mutex
	dir    string
	logger *zap.Logger
}

func NewWriter(dir string, logger *zap.Logger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating journal dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{dir: dir, logger: logger}, nil
}

func (w *Writer) Dir() string { return w.dir }

func (w *Writer) RecordCycle(_ context.Context, report orchestrator.CycleReport) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	res := report.Result
	execs := make([]any, 0, len(res.Records))
	for _, rec := range res.Records {
		execs = append(execs, ExecutionEntry{CycleID: res.CycleID, PlanID: res.PlanID, ToolRecord: rec})
	}
	if err := w.appendLines(ExecutionLogFile, execs); err != nil {
		return err
	}

	trans := make([]any, 0, len(report.Transitions))
	for _, t := range report.Transitions {
		trans = append(trans, TransitionEntry{CycleID: res.CycleID, Transition: t})
	}
	if err := w.appendLines(TransitionsFile, trans); err != nil {
		return err
	}

	if err := w.rewrite(SummaryFile, report.Summary); err != nil {
		return err
	}
	conflicts := ConflictReport{
		ConflictSummary: report.Summary.Conflicts,
		CycleID:         res.CycleID,
		Conflicts:       res.Conflicts,
		Resolutions:     res.Resolutions,
		UpdatedAt:       res.FinishedAt,
	}
	if err := w.rewrite(ConflictsFile, conflicts); err != nil {
		return err
	}
	w.logger.Debug("journal written",
		zap.String("cycle_id", res.CycleID),
		zap.Int("executions", len(execs)),
		zap.Int("transitions", len(trans)))
	return nil
}

func (w *Writer) appendLines(name string, entries []any) error {
	if len(entries) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encoding %s entry: %w", name, err)
		}
	}
	f, err := os.OpenFile(filepath.Join(w.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// rewrite replaces name atomically via a temp file in the same directory.
func (w *Writer) rewrite(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(w.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp for %s: %w", name, err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(w.dir, name)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replacing %s: %w", name, err)
	}
	return nil
}
