package orchestrator

import (
	"time"

	"github.com/opentalon/toolgate/internal/conflict"
	"github.com/opentalon/toolgate/internal/contract"
	"github.com/opentalon/toolgate/internal/controller"
)

// ExecutionPlan is one wave of planned tool invocations. ExecutionOrder is a
// single cross-agent total order; AgentAssignments says who owns each tool.
type ExecutionPlan struct {
	PlanID           string                    `yaml:"plan_id" json:"plan_id"`
	AgentAssignments map[string][]string       `yaml:"agent_assignments" json:"agent_assignments"`
	ExecutionOrder   []string                  `yaml:"execution_order" json:"execution_order"`
	ConfidenceScores map[string]float64        `yaml:"confidence_scores" json:"confidence_scores"`
	AgentPermissions map[string][]string       `yaml:"agent_permissions,omitempty" json:"agent_permissions,omitempty"`
	Payloads         map[string]map[string]any `yaml:"payloads,omitempty" json:"payloads,omitempty"`
	SourcePlanID     string                    `yaml:"phase21_plan_id,omitempty" json:"phase21_plan_id,omitempty"`
	ValidationID     string                    `yaml:"phase22_validation_id,omitempty" json:"phase22_validation_id,omitempty"`
}

type ToolCall struct {
	ID    string         `json:"id"`
	Tool  string         `json:"tool"`
	Agent string         `json:"agent"`
	Mode  contract.Mode  `json:"mode"`
	Args  map[string]any `json:"args,omitempty"`
}

type ToolResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

type ToolStatus string

const (
	StatusExecuted ToolStatus = "executed"
	StatusFailed   ToolStatus = "failed"
	StatusAborted  ToolStatus = "aborted"
)

// ToolRecord is the outcome of one invocation. Every invocation requested by
// a plan ends up as exactly one record.
type ToolRecord struct {
	Seq        int           `json:"seq"`
	CallID     string        `json:"call_id,omitempty"`
	Tool       string        `json:"tool"`
	Agent      string        `json:"agent,omitempty"`
	Mode       contract.Mode `json:"mode,omitempty"`
	Status     ToolStatus    `json:"status"`
	Confidence float64       `json:"confidence"`
	Delay      time.Duration `json:"delay,omitempty"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

type OrchestrationResult struct {
	PlanID            string                `json:"plan_id"`
	CycleID           string                `json:"cycle_id"`
	SourcePlanID      string                `json:"phase21_plan_id,omitempty"`
	ValidationID      string                `json:"phase22_validation_id,omitempty"`
	TotalTools        int                   `json:"total_tools"`
	Successful        int                   `json:"successful_executions"`
	Failed            int                   `json:"failed_executions"`
	Aborted           int                   `json:"aborted_executions"`
	Records           []ToolRecord          `json:"records"`
	ConflictsDetected int                   `json:"conflicts_detected"`
	ConflictsResolved int                   `json:"conflicts_resolved"`
	Conflicts         []conflict.Conflict   `json:"conflicts,omitempty"`
	Resolutions       []conflict.Resolution `json:"resolutions,omitempty"`
	RollbacksExecuted int                   `json:"rollbacks_executed"`
	Locked            bool                  `json:"locked"`
	StartedAt         time.Time             `json:"started_at"`
	FinishedAt        time.Time             `json:"finished_at"`
}

func (r *OrchestrationResult) add(rec ToolRecord) {
	r.Records = append(r.Records, rec)
	r.TotalTools++
	switch rec.Status {
	case StatusExecuted:
		r.Successful++
	case StatusFailed:
		r.Failed++
	case StatusAborted:
		r.Aborted++
	}
}

// ConflictSummary is cumulative across cycles.
type ConflictSummary struct {
	Detected    int                       `json:"total_conflicts"`
	Resolved    int                       `json:"total_resolutions"`
	ByType      map[conflict.Type]int     `json:"by_type"`
	ByStrategy  map[conflict.Strategy]int `json:"by_strategy"`
	ActiveTools int                       `json:"active_tools"`
	HistorySize int                       `json:"history_size"`
}

type Summary struct {
	ActivePlans int                     `json:"active_plans"`
	Cycles      int                     `json:"total_cycles"`
	Controller  controller.Status       `json:"controller"`
	Conflicts   ConflictSummary         `json:"conflicts"`
	Transitions []controller.Transition `json:"transitions"`
	GeneratedAt time.Time               `json:"generated_at"`
}

// CycleReport is handed to every Sink after a cycle. Transitions holds only
// the transitions recorded since the previous report.
type CycleReport struct {
	Result      *OrchestrationResult
	Transitions []controller.Transition
	Summary     Summary
}
