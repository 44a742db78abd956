// Package controller is the per-session execution state machine. It decides
// the mode each invocation runs in, keeps the rollback stack, and can lock
// the whole system down to MOCK.
package controller

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opentalon/toolgate/internal/contract"
)

const (
	DefaultConfidenceThreshold = 0.8

	highDryRunFloor   = 0.5
	mediumDryRunFloor = 0.4
	lowDryRunFloor    = 0.3
)

type Options struct {
	// ConfidenceThreshold defaults to DefaultConfidenceThreshold when nil.
	ConfidenceThreshold *float64
	Logger              *zap.Logger
	Clock               func() time.Time
}

// executionContext is the mutable session state. Only Controller touches it.
type executionContext struct {
	state         State
	confidence    float64
	threshold     float64
	locked        bool
	lockReason    string
	executed      []string
	rollbackStack []RollbackEntry
	approvedFor   string
	audit         []Transition
}

type Controller struct {
	mu     sync.Mutex
	ec     executionContext
	gate   ApprovalGate
	logger *zap.Logger
	clock  func() time.Time
}

// New returns a controller in MOCK. A nil gate denies every approval.
func New(gate ApprovalGate, opts Options) *Controller {
	if gate == nil {
		gate = DenyAll{}
	}
	threshold := DefaultConfidenceThreshold
	if opts.ConfidenceThreshold != nil {
		threshold = *opts.ConfidenceThreshold
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Controller{
		ec:     executionContext{state: StateMock, threshold: clamp(threshold)},
		gate:   gate,
		logger: opts.Logger,
		clock:  opts.Clock,
	}
}

// EvaluateExecutionMode picks the mode for one invocation. A locked system
// always gets MOCK. HIGH risk reaches LIVE only through the approval gate;
// MEDIUM and LOW never go past DRY_RUN here.
func (c *Controller) EvaluateExecutionMode(ct contract.Contract, confidence float64) contract.Mode {
	c.mu.Lock()
	if c.ec.locked {
		c.mu.Unlock()
		return contract.ModeMock
	}
	c.ec.confidence = confidence
	threshold := c.ec.threshold
	c.mu.Unlock()

	switch ct.Risk {
	case contract.RiskHigh:
		if confidence >= threshold {
			reason := fmt.Sprintf("%s: risk %s, confidence %.2f >= threshold %.2f", ct.Name, ct.Risk, confidence, threshold)
			if c.RequestLiveApproval(ct.Name, reason) {
				return contract.ModeLive
			}
		}
		if confidence >= highDryRunFloor {
			return contract.ModeDryRun
		}
		return contract.ModeMock
	case contract.RiskMedium:
		if confidence >= threshold || confidence >= mediumDryRunFloor {
			return contract.ModeDryRun
		}
		return contract.ModeMock
	case contract.RiskLow:
		if confidence >= lowDryRunFloor {
			return contract.ModeDryRun
		}
		return contract.ModeMock
	}
	return contract.ModeMock
}

// RequestLiveApproval asks the gate to approve a LIVE run of tool. The
// controller passes through AWAITING_APPROVAL and lands in LIVE or DRY_RUN.
// An approval is single-use and bound to tool.
func (c *Controller) RequestLiveApproval(tool, reason string) bool {
	c.mu.Lock()
	if c.ec.locked {
		c.mu.Unlock()
		return false
	}
	c.moveToLocked(StateAwaitingApproval, "approval requested: "+reason)
	c.mu.Unlock()

	approved := c.gate.Approve(reason)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ec.locked {
		return false
	}
	if approved {
		c.moveToLocked(StateLive, "approved: "+tool)
		c.ec.approvedFor = tool
	} else {
		c.moveToLocked(StateDryRun, "denied: "+tool)
		c.ec.approvedFor = ""
	}
	c.logger.Info("live approval", zap.String("tool", tool), zap.Bool("approved", approved))
	return approved
}

// ExecuteToolAction records that tool ran and returns the mode it was
// recorded in. LIVE without a matching approval is recorded as DRY_RUN and a
// locked system records MOCK. Non-MOCK actions become rollback-eligible.
func (c *Controller) ExecuteToolAction(tool string, data map[string]any, mode contract.Mode) contract.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.ec.locked:
		mode = contract.ModeMock
	case mode == contract.ModeLive && (c.ec.state != StateLive || c.ec.approvedFor != tool):
		mode = contract.ModeDryRun
	case mode.Rank() < 0:
		mode = contract.ModeMock
	}
	c.ec.approvedFor = ""

	if !c.ec.locked {
		c.moveToLocked(stateFor(mode), "execute "+tool)
	}
	c.ec.executed = append(c.ec.executed, tool)
	if mode != contract.ModeMock {
		c.ec.rollbackStack = append(c.ec.rollbackStack, RollbackEntry{Tool: tool, Data: data, Mode: mode})
	}
	return mode
}

// WithdrawApproval drops an approval for tool that will not be used and
// steps a controller left in LIVE back to DRY_RUN.
func (c *Controller) WithdrawApproval(tool, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ec.approvedFor != tool {
		return
	}
	c.ec.approvedFor = ""
	if !c.ec.locked && c.ec.state == StateLive {
		c.moveToLocked(StateDryRun, fmt.Sprintf("approval withdrawn: %s: %s", tool, reason))
	}
}

// RollbackExecution pops up to depth entries, newest first. Asking for more
// than the stack holds just empties it.
func (c *Controller) RollbackExecution(depth int) []RollbackEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if depth <= 0 {
		return nil
	}
	if !c.ec.locked {
		c.moveToLocked(StateRollback, fmt.Sprintf("rollback depth %d", depth))
	}

	n := min(depth, len(c.ec.rollbackStack))
	popped := make([]RollbackEntry, 0, n)
	for i := 0; i < n; i++ {
		top := len(c.ec.rollbackStack) - 1
		entry := c.ec.rollbackStack[top]
		c.ec.rollbackStack = c.ec.rollbackStack[:top]
		popped = append(popped, entry)
		c.forgetExecutedLocked(entry.Tool)
	}

	if !c.ec.locked {
		next := StateMock
		if len(c.ec.executed) > 0 {
			next = StateDryRun
		}
		c.moveToLocked(next, fmt.Sprintf("rollback complete: %d entries", n))
	}
	c.logger.Info("rollback", zap.Int("requested", depth), zap.Int("popped", n))
	return popped
}

func (c *Controller) LockSystem(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ec.locked {
		c.ec.lockReason = reason
		return
	}
	c.recordLocked(c.ec.state, StateLocked, "lock: "+reason)
	c.ec.state = StateLocked
	c.ec.locked = true
	c.ec.lockReason = reason
	c.ec.approvedFor = ""
	c.logger.Warn("system locked", zap.String("reason", reason))
}

// UnlockSystem returns false when the system is not locked.
func (c *Controller) UnlockSystem() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ec.locked {
		return false
	}
	c.recordLocked(StateLocked, StateMock, "unlock")
	c.ec.state = StateMock
	c.ec.locked = false
	c.ec.lockReason = ""
	c.logger.Info("system unlocked")
	return true
}

// Reset clears executed tools and the rollback stack. The audit trail and
// lock state are kept.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ec.executed = nil
	c.ec.rollbackStack = nil
	c.ec.approvedFor = ""
}

// SetConfidenceThreshold clamps t to [0,1] and returns the stored value.
func (c *Controller) SetConfidenceThreshold(t float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ec.threshold = clamp(t)
	return c.ec.threshold
}

type Status struct {
	State               State   `json:"state"`
	Confidence          float64 `json:"confidence"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	Locked              bool    `json:"locked"`
	LockReason          string  `json:"lock_reason,omitempty"`
	ExecutedTools       int     `json:"executed_tools"`
	RollbackDepth       int     `json:"rollback_depth"`
	Transitions         int     `json:"transitions"`
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:               c.ec.state,
		Confidence:          c.ec.confidence,
		ConfidenceThreshold: c.ec.threshold,
		Locked:              c.ec.locked,
		LockReason:          c.ec.lockReason,
		ExecutedTools:       len(c.ec.executed),
		RollbackDepth:       len(c.ec.rollbackStack),
		Transitions:         len(c.ec.audit),
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ec.state
}

func (c *Controller) IsLocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ec.locked
}

func (c *Controller) Transitions() []Transition {
	return c.TransitionsSince(0)
}

// TransitionsSince returns audit entries from index n on.
func (c *Controller) TransitionsSince(n int) []Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if n >= len(c.ec.audit) {
		return nil
	}
	return slices.Clone(c.ec.audit[n:])
}

func (c *Controller) ExecutedTools() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.ec.executed)
}

// RollbackStack returns the stack bottom first.
func (c *Controller) RollbackStack() []RollbackEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.ec.rollbackStack)
}

func (c *Controller) moveToLocked(target State, reason string) {
	for _, hop := range path(c.ec.state, target) {
		c.recordLocked(c.ec.state, hop, reason)
		c.ec.state = hop
	}
}

func (c *Controller) recordLocked(from, to State, reason string) {
	t := Transition{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: c.clock(),
	}
	c.ec.audit = append(c.ec.audit, t)
	c.logger.Debug("state transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
}

func (c *Controller) forgetExecutedLocked(tool string) {
	for i := len(c.ec.executed) - 1; i >= 0; i-- {
		if c.ec.executed[i] == tool {
			c.ec.executed = slices.Delete(c.ec.executed, i, i+1)
			return
		}
	}
}

func clamp(t float64) float64 {
	return max(0, min(1, t))
}
