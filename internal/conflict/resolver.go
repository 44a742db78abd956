package conflict

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opentalon/toolgate/internal/contract"
)

const DefaultHistoryWindow = 10

// DefaultIrreversibleTools are checked for duplicates against recent history.
var DefaultIrreversibleTools = []string{"create_contact", "send_email", "delete_record"}

type Options struct {
	History           History
	HistoryWindow     int
	IrreversibleTools []string
	// WaveTimeBudget caps the summed timeout budgets of one agent's wave.
	// Zero disables TIMEOUT_CONFLICT detection.
	WaveTimeBudget time.Duration
	Logger         *zap.Logger
	Clock          func() time.Time
}

// Resolver owns the active-tool table and execution history of one
// orchestrator. All state is guarded by mu.
type Resolver struct {
	mu           sync.Mutex
	contracts    *contract.Registry
	history      History
	window       int
	irreversible map[string]bool
	budget       time.Duration
	active       map[string]string
	grants       map[string]map[string]bool
	logger       *zap.Logger
	clock        func() time.Time
}

func NewResolver(contracts *contract.Registry, opts Options) *Resolver {
	if opts.History == nil {
		opts.History = NewMemoryHistory(DefaultHistoryCapacity)
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = DefaultHistoryWindow
	}
	if opts.IrreversibleTools == nil {
		opts.IrreversibleTools = DefaultIrreversibleTools
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	irr := make(map[string]bool, len(opts.IrreversibleTools))
	for _, t := range opts.IrreversibleTools {
		irr[t] = true
	}
	return &Resolver{
		contracts:    contracts,
		history:      opts.History,
		window:       opts.HistoryWindow,
		irreversible: irr,
		budget:       opts.WaveTimeBudget,
		active:       make(map[string]string),
		grants:       make(map[string]map[string]bool),
		logger:       opts.Logger,
		clock:        opts.Clock,
	}
}

// GrantPermissions records the permissions an agent holds. Agents that were
// never granted anything are not permission-checked.
func (r *Resolver) GrantPermissions(agent string, perms ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.grants[agent]
	if !ok {
		g = make(map[string]bool)
		r.grants[agent] = g
	}
	for _, p := range perms {
		g[p] = true
	}
}

// DetectConflicts scans planned (agent -> tools) for contention. It never
// mutates resolver state, so repeated calls on the same input agree.
func (r *Resolver) DetectConflicts(ctx context.Context, planned map[string][]string) ([]Conflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	recent, err := r.history.Recent(ctx, r.window)
	if err != nil {
		return nil, err
	}
	lastRun := make(map[string]string, len(recent))
	for _, e := range recent {
		lastRun[e.Tool] = e.Agent
	}

	// first agent in this wave to claim each irreversible tool
	waveIrreversible := make(map[string]string)

	claimed := make(map[string]string, len(r.active))
	for tool, agent := range r.active {
		claimed[tool] = agent
	}

	var out []Conflict
	seen := make(map[string]bool)
	add := func(c Conflict) {
		key := fmt.Sprintf("%s|%s|%s|%s|%s", c.Type, c.ToolA, c.ToolB, c.AgentA, c.AgentB)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, c)
	}

	for _, agent := range sortedAgents(planned) {
		tools := planned[agent]
		counts := make(map[string]int)
		var spent time.Duration
		overBudget := false

		for idx, tool := range tools {
			counts[tool]++

			if owner, ok := claimed[tool]; ok && owner != agent {
				add(Conflict{
					Type: ResourceConflict, ToolA: tool, ToolB: tool, AgentA: owner, AgentB: agent,
					Severity:    SeverityResource,
					Description: fmt.Sprintf("%s is already claimed by %s", tool, owner),
				})
			} else if !ok {
				claimed[tool] = agent
			}

			if prev, ok := lastRun[tool]; ok && r.irreversible[tool] {
				add(Conflict{
					Type: DuplicateAction, ToolA: tool, ToolB: tool, AgentA: prev, AgentB: agent,
					Severity:    SeverityDuplicate,
					Description: fmt.Sprintf("irreversible %s ran within the last %d executions", tool, r.window),
				})
			}

			if r.irreversible[tool] {
				if first, ok := waveIrreversible[tool]; !ok {
					waveIrreversible[tool] = agent
				} else if first != agent {
					add(Conflict{
						Type: DuplicateAction, ToolA: tool, ToolB: tool, AgentA: first, AgentB: agent,
						Severity:    SeverityDuplicate,
						Description: fmt.Sprintf("irreversible %s is also planned by %s in this wave", tool, first),
					})
				}
			}

			c, ok := r.contracts.Get(tool)
			if !ok {
				continue
			}

			for _, dep := range c.Dependencies {
				if indexFrom(tools, dep, idx+1) >= 0 {
					add(Conflict{
						Type: OrderingConflict, ToolA: tool, ToolB: dep, AgentA: agent, AgentB: agent,
						Severity:    SeverityOrdering,
						Description: fmt.Sprintf("%s is planned before its dependency %s", tool, dep),
					})
				}
			}

			if c.MaxConcurrent > 0 && counts[tool] == c.MaxConcurrent+1 {
				add(Conflict{
					Type: RateLimitConflict, ToolA: tool, ToolB: tool, AgentA: agent, AgentB: agent,
					Severity:    SeverityRateLimit,
					Description: fmt.Sprintf("%s planned more than %d times", tool, c.MaxConcurrent),
				})
			}

			if granted, ok := r.grants[agent]; ok {
				for _, p := range c.Permissions {
					if !granted[p] {
						add(Conflict{
							Type: PermissionConflict, ToolA: tool, ToolB: tool, AgentA: agent, AgentB: agent,
							Severity:    SeverityPermission,
							Description: fmt.Sprintf("%s lacks permission %q for %s", agent, p, tool),
						})
						break
					}
				}
			}

			spent += c.Timeout()
			if r.budget > 0 && !overBudget && spent > r.budget {
				overBudget = true
				add(Conflict{
					Type: TimeoutConflict, ToolA: tool, ToolB: tool, AgentA: agent, AgentB: agent,
					Severity:    SeverityTimeout,
					Description: fmt.Sprintf("%s exceeds wave time budget %s at %s", agent, r.budget, tool),
				})
			}
		}
	}
	return out, nil
}

// ResolveConflicts returns exactly one resolution per conflict, in order.
func (r *Resolver) ResolveConflicts(conflicts []Conflict) []Resolution {
	out := make([]Resolution, 0, len(conflicts))
	for _, c := range conflicts {
		out = append(out, resolve(c))
	}
	return out
}

func resolve(c Conflict) Resolution {
	res := Resolution{Conflict: c, Tool: c.ToolA, Agent: c.AgentB}
	switch c.Type {
	case ResourceConflict:
		res.Strategy = StrategyDelay
		res.Delay = ResourceDelay
		res.Action = fmt.Sprintf("delay %s for %s by %s", c.ToolB, c.AgentB, ResourceDelay)
	case OrderingConflict:
		res.Strategy = StrategyReassign
		res.DeferAfter = c.ToolB
		res.Action = fmt.Sprintf("defer %s until after %s", c.ToolA, c.ToolB)
	case DuplicateAction:
		res.Strategy = StrategyAbort
		res.Action = fmt.Sprintf("abort duplicate %s for %s", c.ToolA, c.AgentB)
	case RateLimitConflict:
		res.Strategy = StrategyDowngrade
		res.DowngradeMode = contract.ModeDryRun
		res.Action = fmt.Sprintf("downgrade %s to %s", c.ToolA, contract.ModeDryRun)
	case PermissionConflict, TimeoutConflict:
		res.Strategy = StrategyDelay
		res.Delay = DefaultDelay
		res.Action = fmt.Sprintf("delay %s for %s by %s", c.ToolA, c.AgentB, DefaultDelay)
	default:
		res.Strategy = StrategyDelay
		res.Delay = DefaultDelay
		res.Action = fmt.Sprintf("delay %s by %s", c.ToolA, DefaultDelay)
	}
	return res
}

// RecentRun reports the agent that last ran an irreversible tool within the
// history window. Reversible tools are never reported.
func (r *Resolver) RecentRun(ctx context.Context, tool string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.irreversible[tool] {
		return "", false, nil
	}
	recent, err := r.history.Recent(ctx, r.window)
	if err != nil {
		return "", false, err
	}
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].Tool == tool {
			return recent[i].Agent, true, nil
		}
	}
	return "", false, nil
}

// RegisterExecution marks tool active under agent and appends to history.
func (r *Resolver) RegisterExecution(ctx context.Context, tool, agent string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.active[tool] = agent
	if err := r.history.Append(ctx, HistoryEntry{Tool: tool, Agent: agent, At: r.clock()}); err != nil {
		r.logger.Warn("history append failed", zap.String("tool", tool), zap.Error(err))
		return err
	}
	return nil
}

func (r *Resolver) UnregisterExecution(tool string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, tool)
}

func (r *Resolver) ActiveTools() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(r.active))
	for k, v := range r.active {
		out[k] = v
	}
	return out
}

type Stats struct {
	ActiveTools int `json:"active_tools"`
	HistorySize int `json:"history_size"`
}

func (r *Resolver) Stats(ctx context.Context) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := r.history.Len(ctx)
	if err != nil {
		r.logger.Warn("history length unavailable", zap.Error(err))
	}
	return Stats{ActiveTools: len(r.active), HistorySize: n}
}

func sortedAgents(planned map[string][]string) []string {
	agents := make([]string, 0, len(planned))
	for a := range planned {
		agents = append(agents, a)
	}
	sort.Strings(agents)
	return agents
}

func indexFrom(tools []string, name string, from int) int {
	for i := from; i < len(tools); i++ {
		if tools[i] == name {
			return i
		}
	}
	return -1
}
