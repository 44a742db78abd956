// Package conflict finds contention between agents planned into the same wave
// and maps every finding to exactly one mitigation.
package conflict

import (
	"time"

	"github.com/opentalon/toolgate/internal/contract"
)

type Type string

const (
	ResourceConflict   Type = "RESOURCE_CONFLICT"
	OrderingConflict   Type = "ORDERING_CONFLICT"
	RateLimitConflict  Type = "RATE_LIMIT_CONFLICT"
	DuplicateAction    Type = "DUPLICATE_ACTION"
	PermissionConflict Type = "PERMISSION_CONFLICT"
	TimeoutConflict    Type = "TIMEOUT_CONFLICT"
)

const (
	SeverityResource   = 8
	SeverityOrdering   = 6
	SeverityRateLimit  = 5
	SeverityDuplicate  = 9
	SeverityPermission = 7
	SeverityTimeout    = 4
)

// Conflict is transient: produced by detection and consumed by resolution.
// AgentB is always the agent whose invocation the mitigation applies to.
type Conflict struct {
	Type        Type   `json:"type"`
	ToolA       string `json:"tool_a"`
	ToolB       string `json:"tool_b"`
	AgentA      string `json:"agent_a"`
	AgentB      string `json:"agent_b"`
	Severity    int    `json:"severity"`
	Description string `json:"description"`
}

type Strategy string

const (
	StrategyDelay     Strategy = "DELAY"
	StrategyReassign  Strategy = "REASSIGN"
	StrategyDowngrade Strategy = "DOWNGRADE"
	StrategyAbort     Strategy = "ABORT"
)

const (
	ResourceDelay = 5 * time.Second
	DefaultDelay  = 3 * time.Second
)

// Resolution targets the invocation (Tool, Agent).
type Resolution struct {
	Conflict      Conflict      `json:"conflict"`
	Strategy      Strategy      `json:"strategy"`
	Action        string        `json:"action"`
	Tool          string        `json:"tool"`
	Agent         string        `json:"agent"`
	Delay         time.Duration `json:"delay,omitempty"`
	DeferAfter    string        `json:"defer_after,omitempty"`
	DowngradeMode contract.Mode `json:"downgrade_mode,omitempty"`
}

// HistoryEntry is one registered execution, kept only for duplicate detection.
type HistoryEntry struct {
	Tool  string    `json:"tool"`
	Agent string    `json:"agent"`
	At    time.Time `json:"at"`
}
