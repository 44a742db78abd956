// Package orchestrator runs execution plans through the contract registry,
// the conflict resolver and the execution controller, one cycle at a time.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opentalon/toolgate/internal/conflict"
	"github.com/opentalon/toolgate/internal/contract"
	"github.com/opentalon/toolgate/internal/controller"
	"github.com/opentalon/toolgate/internal/metrics"
)

type Options struct {
	// Executor performs tool calls. Defaults to SimulatedExecutor.
	Executor Executor
	Guard    *Guard
	Sinks    []Sink
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	// RollbackOnFailure pops everything this cycle pushed once a non-MOCK
	// call has failed.
	RollbackOnFailure bool
	// LockAfterFailures locks the controller when a cycle fails at least
	// this many invocations. Zero disables it.
	LockAfterFailures int
	Clock             func() time.Time
}

type preparedPlan struct {
	plan        ExecutionPlan
	conflicts   []conflict.Conflict
	resolutions []conflict.Resolution
}

// Orchestrator serializes cycles: one plan is processed at a time.
type Orchestrator struct {
	mu         sync.Mutex
	contracts  *contract.Registry
	resolver   *conflict.Resolver
	controller *controller.Controller
	executor   Executor
	guard      *Guard
	sinks      []Sink
	metrics    *metrics.Metrics
	logger     *zap.Logger
	clock      func() time.Time

	rollbackOnFailure bool
	lockAfterFailures int

	plans      map[string]*preparedPlan
	cycles     int
	detected   int
	resolved   int
	byType     map[conflict.Type]int
	byStrategy map[conflict.Strategy]int
	reported   int
}

func New(contracts *contract.Registry, resolver *conflict.Resolver, ctrl *controller.Controller) *Orchestrator {
	return NewWithOptions(contracts, resolver, ctrl, Options{})
}

func NewWithOptions(contracts *contract.Registry, resolver *conflict.Resolver, ctrl *controller.Controller, opts Options) *Orchestrator {
	if opts.Executor == nil {
		opts.Executor = SimulatedExecutor{}
	}
	if opts.Guard == nil {
		opts.Guard = NewGuard()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Orchestrator{
		contracts:         contracts,
		resolver:          resolver,
		controller:        ctrl,
		executor:          opts.Executor,
		guard:             opts.Guard,
		sinks:             opts.Sinks,
		metrics:           opts.Metrics,
		logger:            opts.Logger,
		clock:             opts.Clock,
		rollbackOnFailure: opts.RollbackOnFailure,
		lockAfterFailures: opts.LockAfterFailures,
		plans:             make(map[string]*preparedPlan),
		byType:            make(map[conflict.Type]int),
		byStrategy:        make(map[conflict.Strategy]int),
	}
}

// RegisterPlan validates every assignment, failing on the first unknown tool,
// then detects and resolves conflicts. Nothing is executed.
func (o *Orchestrator) RegisterPlan(ctx context.Context, plan ExecutionPlan) (bool, string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if plan.PlanID == "" {
		plan.PlanID = uuid.NewString()
	}
	if ok, msg := o.validateLocked(plan); !ok {
		o.logger.Warn("plan rejected", zap.String("plan_id", plan.PlanID), zap.String("reason", msg))
		return false, msg
	}
	p, err := o.prepareLocked(ctx, plan)
	if err != nil {
		return false, err.Error()
	}
	o.plans[plan.PlanID] = p
	o.logger.Info("plan registered",
		zap.String("plan_id", plan.PlanID),
		zap.Int("conflicts", len(p.conflicts)),
		zap.Int("resolutions", len(p.resolutions)))
	return true, fmt.Sprintf("plan %s registered with %d conflicts and %d resolutions",
		plan.PlanID, len(p.conflicts), len(p.resolutions))
}

func (o *Orchestrator) validateLocked(plan ExecutionPlan) (bool, string) {
	for _, agent := range sortedKeys(plan.AgentAssignments) {
		for _, tool := range plan.AgentAssignments[agent] {
			if ok, msg := o.contracts.ValidateRequest(tool, contract.ModeLive); !ok {
				return false, fmt.Sprintf("agent %s: %s", agent, msg)
			}
		}
	}
	return true, ""
}

// prepareLocked runs conflict detection over the known tools of the plan.
func (o *Orchestrator) prepareLocked(ctx context.Context, plan ExecutionPlan) (*preparedPlan, error) {
	for agent, perms := range plan.AgentPermissions {
		o.resolver.GrantPermissions(agent, perms...)
	}
	planned := make(map[string][]string, len(plan.AgentAssignments))
	for agent, tools := range plan.AgentAssignments {
		for _, tool := range tools {
			if _, ok := o.contracts.Get(tool); ok {
				planned[agent] = append(planned[agent], tool)
			}
		}
	}
	conflicts, err := o.resolver.DetectConflicts(ctx, planned)
	if err != nil {
		return nil, fmt.Errorf("detecting conflicts: %w", err)
	}
	return &preparedPlan{
		plan:        plan,
		conflicts:   conflicts,
		resolutions: o.resolver.ResolveConflicts(conflicts),
	}, nil
}

// ExecuteCycle runs the plan over its global execution order. It never fails:
// bad assignments, unknown tools and executor errors become failed records
// and the cycle always runs to the end of the order.
func (o *Orchestrator) ExecuteCycle(ctx context.Context, plan ExecutionPlan) *OrchestrationResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	if plan.PlanID == "" {
		plan.PlanID = uuid.NewString()
	}
	result := &OrchestrationResult{
		PlanID:       plan.PlanID,
		CycleID:      uuid.NewString(),
		SourcePlanID: plan.SourcePlanID,
		ValidationID: plan.ValidationID,
		StartedAt:    o.clock(),
	}
	log := o.logger.With(zap.String("plan_id", plan.PlanID), zap.String("cycle_id", result.CycleID))

	if ok, msg := o.validateLocked(plan); !ok {
		log.Warn("plan has invalid assignments", zap.String("reason", msg))
	}
	blocked := ""
	p, err := o.prepareLocked(ctx, plan)
	if err != nil {
		// Without history there is no duplicate protection: fail closed.
		log.Error("conflict detection failed", zap.Error(err))
		blocked = "conflict check unavailable: " + err.Error()
		p = &preparedPlan{plan: plan}
	}
	o.plans[plan.PlanID] = p

	result.Conflicts = p.conflicts
	result.Resolutions = p.resolutions
	result.ConflictsDetected = len(p.conflicts)
	result.ConflictsResolved = len(p.resolutions)

	adj := newAdjustments(p.resolutions)
	owners := assignOwners(plan.AgentAssignments)
	pushed := 0
	sideEffectFailed := false

	for _, tool := range reorder(plan.ExecutionOrder, p.resolutions) {
		out := o.invoke(ctx, result.CycleID, len(result.Records), tool, owners, plan, adj, blocked)
		if out.pushed {
			pushed++
		}
		if out.sideEffectFailed {
			sideEffectFailed = true
		}
		result.add(out.rec)
	}
	for _, tool := range sortedKeys(owners) {
		for _, agent := range owners[tool] {
			result.add(ToolRecord{
				Seq:       len(result.Records),
				Tool:      tool,
				Agent:     agent,
				Status:    StatusFailed,
				Error:     fmt.Sprintf("%s assigned to %s but not in execution order", tool, agent),
				StartedAt: o.clock(),
			})
		}
	}

	if o.rollbackOnFailure && sideEffectFailed && pushed > 0 {
		n, err := o.rollbackLocked(ctx, pushed)
		result.RollbacksExecuted = n
		if err != nil {
			log.Warn("undo after failure incomplete", zap.Error(err))
		}
	}
	if o.lockAfterFailures > 0 && result.Failed >= o.lockAfterFailures && !o.controller.IsLocked() {
		o.controller.LockSystem(fmt.Sprintf("anomaly: %d failed executions in cycle %s", result.Failed, result.CycleID))
	}
	result.Locked = o.controller.IsLocked()
	result.FinishedAt = o.clock()

	delete(o.plans, plan.PlanID)
	o.cycles++
	o.detected += result.ConflictsDetected
	o.resolved += result.ConflictsResolved
	for _, c := range result.Conflicts {
		o.byType[c.Type]++
	}
	for _, r := range result.Resolutions {
		o.byStrategy[r.Strategy]++
	}

	fresh := o.controller.TransitionsSince(o.reported)
	o.reported += len(fresh)
	o.observe(result, fresh)

	log.Info("cycle complete",
		zap.Int("total", result.TotalTools),
		zap.Int("successful", result.Successful),
		zap.Int("failed", result.Failed),
		zap.Int("aborted", result.Aborted),
		zap.Int("conflicts", result.ConflictsDetected),
		zap.Int("rollbacks", result.RollbacksExecuted))

	report := CycleReport{Result: result, Transitions: fresh, Summary: o.summaryLocked(ctx)}
	for _, s := range o.sinks {
		if err := s.RecordCycle(ctx, report); err != nil {
			log.Warn("sink failed", zap.Error(err))
		}
	}
	return result
}

type outcome struct {
	rec              ToolRecord
	pushed           bool
	sideEffectFailed bool
}

func (o *Orchestrator) invoke(ctx context.Context, cycleID string, seq int, tool string, owners map[string][]string, plan ExecutionPlan, adj adjustments, blocked string) outcome {
	rec := ToolRecord{Seq: seq, Tool: tool, StartedAt: o.clock()}
	fail := func(status ToolStatus, msg string) outcome {
		rec.Status = status
		rec.Error = msg
		return outcome{rec: rec}
	}

	agent, ok := popOwner(owners, tool)
	if !ok {
		return fail(StatusFailed, fmt.Sprintf("no agent assigned to %s", tool))
	}
	rec.Agent = agent
	ct, ok := o.contracts.Get(tool)
	if !ok {
		return fail(StatusFailed, "unknown tool: "+tool)
	}
	rec.Confidence = plan.ConfidenceScores[tool]

	if blocked != "" {
		return fail(StatusAborted, blocked)
	}
	key := invocation{tool: tool, agent: agent}
	if reason, ok := adj.abort[key]; ok {
		return fail(StatusAborted, reason)
	}
	rec.Delay = adj.delay[key]

	// Earlier invocations of this cycle are in history by now.
	prev, dup, err := o.resolver.RecentRun(ctx, tool)
	if err != nil {
		return fail(StatusAborted, "conflict check unavailable: "+err.Error())
	}
	if dup {
		return fail(StatusAborted, fmt.Sprintf("duplicate irreversible %s: already run by %s", tool, prev))
	}

	mode := o.controller.EvaluateExecutionMode(ct, rec.Confidence)
	if limit, ok := adj.limit[key]; ok {
		mode = mode.Cap(limit)
	}
	rec.Mode = mode
	if ok, msg := o.contracts.ValidateRequest(tool, mode); !ok {
		o.controller.WithdrawApproval(tool, msg)
		return fail(StatusFailed, msg)
	}

	if err := o.resolver.RegisterExecution(ctx, tool, agent); err != nil {
		o.logger.Warn("execution not recorded in history", zap.String("tool", tool), zap.Error(err))
	}
	defer o.resolver.UnregisterExecution(tool)

	// The controller commits the decision before the side effect happens, so
	// a lock taken in between is honored.
	mode = o.controller.ExecuteToolAction(tool, plan.Payloads[tool], mode)
	rec.Mode = mode
	out := outcome{pushed: mode != contract.ModeMock}

	call := ToolCall{
		ID:    fmt.Sprintf("%s-%d", cycleID, seq),
		Tool:  tool,
		Agent: agent,
		Mode:  mode,
		Args:  plan.Payloads[tool],
	}
	rec.CallID = call.ID
	res := o.guard.Run(WithAgent(ctx, agent), o.executor, call, ct.Timeout())
	rec.Duration = o.clock().Sub(rec.StartedAt)
	rec.Output = res.Content
	if res.Error != "" {
		rec.Status = StatusFailed
		rec.Error = res.Error
		out.sideEffectFailed = mode != contract.ModeMock
		o.logger.Warn("tool failed",
			zap.String("tool", tool), zap.String("agent", agent),
			zap.String("mode", string(mode)), zap.String("error", res.Error))
	} else {
		rec.Status = StatusExecuted
	}
	out.rec = rec
	return out
}

// Rollback pops up to depth actions and undoes them when the executor can.
// It returns how many entries were popped.
func (o *Orchestrator) Rollback(ctx context.Context, depth int) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rollbackLocked(ctx, depth)
}

func (o *Orchestrator) rollbackLocked(ctx context.Context, depth int) (int, error) {
	entries := o.controller.RollbackExecution(depth)
	o.metrics.AddRollbacks(len(entries))
	undoer, ok := o.executor.(Undoer)
	if !ok {
		return len(entries), nil
	}
	var errs []error
	for _, e := range entries {
		if err := undoer.Undo(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("undo %s: %w", e.Tool, err))
		}
	}
	return len(entries), errors.Join(errs...)
}

func (o *Orchestrator) LockSystem(reason string) {
	o.controller.LockSystem(reason)
	o.metrics.SetLocked(true)
}

func (o *Orchestrator) UnlockSystem() bool {
	ok := o.controller.UnlockSystem()
	o.metrics.SetLocked(o.controller.IsLocked())
	return ok
}

// EmitSummary is a read-only snapshot of cumulative orchestration state.
func (o *Orchestrator) EmitSummary(ctx context.Context) Summary {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.summaryLocked(ctx)
}

func (o *Orchestrator) summaryLocked(ctx context.Context) Summary {
	stats := o.resolver.Stats(ctx)
	return Summary{
		ActivePlans: len(o.plans),
		Cycles:      o.cycles,
		Controller:  o.controller.Status(),
		Conflicts: ConflictSummary{
			Detected:    o.detected,
			Resolved:    o.resolved,
			ByType:      maps.Clone(o.byType),
			ByStrategy:  maps.Clone(o.byStrategy),
			ActiveTools: stats.ActiveTools,
			HistorySize: stats.HistorySize,
		},
		Transitions: o.controller.Transitions(),
		GeneratedAt: o.clock(),
	}
}

func (o *Orchestrator) observe(result *OrchestrationResult, fresh []controller.Transition) {
	if o.metrics == nil {
		return
	}
	o.metrics.ObserveCycle(result.FinishedAt.Sub(result.StartedAt))
	for _, rec := range result.Records {
		mode := string(rec.Mode)
		if mode == "" {
			mode = "none"
		}
		o.metrics.ObserveExecution(mode, string(rec.Status))
	}
	for _, c := range result.Conflicts {
		o.metrics.ObserveConflict(string(c.Type))
	}
	for _, r := range result.Resolutions {
		o.metrics.ObserveResolution(string(r.Strategy))
	}
	for _, t := range fresh {
		o.metrics.ObserveTransition(string(t.From), string(t.To))
	}
	o.metrics.SetLocked(result.Locked)
}

type invocation struct {
	tool  string
	agent string
}

// adjustments are the per-invocation effects of resolutions. REASSIGN is
// applied to the order instead, see reorder.
type adjustments struct {
	abort map[invocation]string
	delay map[invocation]time.Duration
	limit map[invocation]contract.Mode
}

func newAdjustments(resolutions []conflict.Resolution) adjustments {
	adj := adjustments{
		abort: make(map[invocation]string),
		delay: make(map[invocation]time.Duration),
		limit: make(map[invocation]contract.Mode),
	}
	for _, r := range resolutions {
		key := invocation{tool: r.Tool, agent: r.Agent}
		switch r.Strategy {
		case conflict.StrategyAbort:
			adj.abort[key] = r.Action
		case conflict.StrategyDelay:
			adj.delay[key] = max(adj.delay[key], r.Delay)
		case conflict.StrategyDowngrade:
			if cur, ok := adj.limit[key]; !ok || r.DowngradeMode.Rank() < cur.Rank() {
				adj.limit[key] = r.DowngradeMode
			}
		case conflict.StrategyReassign:
		}
	}
	return adj
}

// reorder moves every REASSIGN target right behind the first occurrence of
// its dependency that follows it.
func reorder(order []string, resolutions []conflict.Resolution) []string {
	out := slices.Clone(order)
	for _, r := range resolutions {
		if r.Strategy != conflict.StrategyReassign || r.DeferAfter == "" {
			continue
		}
		i := slices.Index(out, r.Tool)
		if i < 0 {
			continue
		}
		j := slices.Index(out[i+1:], r.DeferAfter)
		if j < 0 {
			continue
		}
		j += i + 1
		out = slices.Delete(out, i, i+1)
		out = slices.Insert(out, j, r.Tool)
	}
	return out
}

// assignOwners queues the owners of each tool in sorted agent order.
func assignOwners(assignments map[string][]string) map[string][]string {
	owners := make(map[string][]string)
	for _, agent := range sortedKeys(assignments) {
		for _, tool := range assignments[agent] {
			owners[tool] = append(owners[tool], agent)
		}
	}
	return owners
}

func popOwner(owners map[string][]string, tool string) (string, bool) {
	q := owners[tool]
	if len(q) == 0 {
		return "", false
	}
	if len(q) == 1 {
		delete(owners, tool)
	} else {
		owners[tool] = q[1:]
	}
	return q[0], true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
