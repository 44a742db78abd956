package controller

import (
	"fmt"
	"testing"
	"time"

	"github.com/opentalon/toolgate/internal/contract"
)

func lowScan() contract.Contract {
	return contract.Contract{Name: "scan", Risk: contract.RiskLow, Reversible: true, MockAvailable: true}
}

func mediumExport() contract.Contract {
	return contract.Contract{Name: "export_report", Risk: contract.RiskMedium, Reversible: true, MockAvailable: true}
}

func highEmail() contract.Contract {
	return contract.Contract{Name: "send_email", Risk: contract.RiskHigh, MockAvailable: true, RequiresApproval: true}
}

type countingGate struct {
	approve bool
	calls   int
	reasons []string
}

func (g *countingGate) Approve(reason string) bool {
	g.calls++
	g.reasons = append(g.reasons, reason)
	return g.approve
}

func TestEvaluateExecutionModeTable(t *testing.T) {
	tests := []struct {
		name       string
		c          contract.Contract
		confidence float64
		approve    bool
		want       contract.Mode
	}{
		{"low above floor", lowScan(), 0.9, false, contract.ModeDryRun},
		{"low at floor", lowScan(), 0.3, false, contract.ModeDryRun},
		{"low below floor", lowScan(), 0.29, false, contract.ModeMock},
		{"medium above threshold", mediumExport(), 0.95, true, contract.ModeDryRun},
		{"medium at floor", mediumExport(), 0.4, false, contract.ModeDryRun},
		{"medium below floor", mediumExport(), 0.39, false, contract.ModeMock},
		{"high approved", highEmail(), 0.9, true, contract.ModeLive},
		{"high denied", highEmail(), 0.9, false, contract.ModeDryRun},
		{"high below threshold", highEmail(), 0.6, true, contract.ModeDryRun},
		{"high below dry run floor", highEmail(), 0.49, true, contract.ModeMock},
		{"unknown risk", contract.Contract{Name: "x", Risk: "ODD"}, 1, true, contract.ModeMock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(&countingGate{approve: tt.approve}, Options{})
			if got := c.EvaluateExecutionMode(tt.c, tt.confidence); got != tt.want {
				t.Errorf("EvaluateExecutionMode = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestScanScenarioIsDryRun(t *testing.T) {
	c := New(AlwaysApprove{}, Options{})
	if got := c.EvaluateExecutionMode(lowScan(), 0.9); got != contract.ModeDryRun {
		t.Errorf("scan @0.9 = %s, want DRY_RUN", got)
	}
}

func TestEvaluateIsPure(t *testing.T) {
	for _, approve := range []bool{true, false} {
		c := New(&countingGate{approve: approve}, Options{})
		for _, ct := range []contract.Contract{lowScan(), mediumExport(), highEmail()} {
			for _, conf := range []float64{0, 0.3, 0.45, 0.5, 0.8, 0.99} {
				first := c.EvaluateExecutionMode(ct, conf)
				for i := 0; i < 3; i++ {
					if got := c.EvaluateExecutionMode(ct, conf); got != first {
						t.Fatalf("%s@%.2f approve=%v: %s then %s", ct.Name, conf, approve, first, got)
					}
				}
			}
		}
	}
}

func TestMediumNeverAutoEscalatesToLive(t *testing.T) {
	gate := &countingGate{approve: true}
	c := New(gate, Options{})
	if got := c.EvaluateExecutionMode(mediumExport(), 1.0); got != contract.ModeDryRun {
		t.Errorf("MEDIUM @1.0 = %s", got)
	}
	if gate.calls != 0 {
		t.Errorf("gate should not be consulted for MEDIUM, calls = %d", gate.calls)
	}
}

func TestLockForcesMockEverywhere(t *testing.T) {
	gate := &countingGate{approve: true}
	c := New(gate, Options{})
	c.LockSystem("anomaly")

	for _, ct := range []contract.Contract{lowScan(), mediumExport(), highEmail()} {
		for _, conf := range []float64{0, 0.5, 0.99, 1} {
			if got := c.EvaluateExecutionMode(ct, conf); got != contract.ModeMock {
				t.Errorf("locked %s@%.2f = %s, want MOCK", ct.Name, conf, got)
			}
		}
	}
	if gate.calls != 0 {
		t.Errorf("gate consulted while locked: %d", gate.calls)
	}

	if !c.UnlockSystem() {
		t.Fatal("unlock should succeed")
	}
	if got := c.EvaluateExecutionMode(highEmail(), 0.99); got != contract.ModeLive {
		t.Errorf("after unlock HIGH@0.99 = %s, want LIVE", got)
	}
}

func TestUnlockWhenNotLockedIsNoop(t *testing.T) {
	c := New(nil, Options{})
	before := len(c.Transitions())
	if c.UnlockSystem() {
		t.Error("unlock should return false when not locked")
	}
	if len(c.Transitions()) != before {
		t.Error("no-op unlock should not be audited")
	}
}

func TestLockUnlockAudited(t *testing.T) {
	c := New(nil, Options{})
	c.LockSystem("anomaly")
	c.LockSystem("still bad")
	if st := c.Status(); !st.Locked || st.LockReason != "still bad" || st.State != StateLocked {
		t.Errorf("status = %+v", st)
	}
	c.UnlockSystem()

	trail := c.Transitions()
	if len(trail) != 2 {
		t.Fatalf("expected 2 transitions, got %+v", trail)
	}
	if trail[0].From != StateMock || trail[0].To != StateLocked {
		t.Errorf("lock transition = %+v", trail[0])
	}
	if trail[1].From != StateLocked || trail[1].To != StateMock {
		t.Errorf("unlock transition = %+v", trail[1])
	}
	if c.State() != StateMock {
		t.Errorf("state after unlock = %s", c.State())
	}
}

func TestRequestLiveApprovalRecordsTransitions(t *testing.T) {
	c := New(&countingGate{approve: false}, Options{})
	if c.RequestLiveApproval("send_email", "needs it") {
		t.Fatal("denied gate should return false")
	}
	if c.State() != StateDryRun {
		t.Errorf("state after denial = %s, want DRY_RUN", c.State())
	}
	trail := c.Transitions()
	want := []State{StateDryRun, StateAwaitingApproval, StateDryRun}
	if len(trail) != len(want) {
		t.Fatalf("trail = %+v", trail)
	}
	for i, tr := range trail {
		if tr.To != want[i] {
			t.Errorf("hop %d to %s, want %s", i, tr.To, want[i])
		}
		if tr.ID == "" {
			t.Errorf("hop %d has no id", i)
		}
	}

	approving := New(AlwaysApprove{}, Options{})
	if !approving.RequestLiveApproval("send_email", "ok") {
		t.Fatal("approve gate should return true")
	}
	if approving.State() != StateLive {
		t.Errorf("state after approval = %s, want LIVE", approving.State())
	}
}

func TestNilGateDenies(t *testing.T) {
	c := New(nil, Options{})
	if got := c.EvaluateExecutionMode(highEmail(), 1); got != contract.ModeDryRun {
		t.Errorf("nil gate HIGH@1 = %s, want DRY_RUN", got)
	}
}

func TestExecuteToolActionRollbackEligibility(t *testing.T) {
	c := New(nil, Options{})
	c.ExecuteToolAction("scan", nil, contract.ModeMock)
	c.ExecuteToolAction("export_report", map[string]any{"format": "csv"}, contract.ModeDryRun)

	if got := c.ExecutedTools(); len(got) != 2 {
		t.Errorf("ExecutedTools = %v", got)
	}
	stack := c.RollbackStack()
	if len(stack) != 1 || stack[0].Tool != "export_report" || stack[0].Mode != contract.ModeDryRun {
		t.Errorf("stack = %+v", stack)
	}
	if stack[0].Data["format"] != "csv" {
		t.Errorf("data not kept: %+v", stack[0].Data)
	}
}

func TestExecuteLiveRequiresApproval(t *testing.T) {
	c := New(AlwaysApprove{}, Options{})
	if got := c.ExecuteToolAction("send_email", nil, contract.ModeLive); got != contract.ModeDryRun {
		t.Errorf("unapproved LIVE recorded as %s, want DRY_RUN", got)
	}

	mode := c.EvaluateExecutionMode(highEmail(), 0.95)
	if mode != contract.ModeLive {
		t.Fatalf("mode = %s", mode)
	}
	if got := c.ExecuteToolAction("send_email", nil, mode); got != contract.ModeLive {
		t.Errorf("approved LIVE recorded as %s", got)
	}
	if got := c.ExecuteToolAction("send_email", nil, contract.ModeLive); got != contract.ModeDryRun {
		t.Errorf("approval should be single-use, got %s", got)
	}
}

func TestExecuteWhileLockedRecordsMock(t *testing.T) {
	c := New(nil, Options{})
	c.LockSystem("halt")
	if got := c.ExecuteToolAction("scan", nil, contract.ModeDryRun); got != contract.ModeMock {
		t.Errorf("locked execute = %s, want MOCK", got)
	}
	if len(c.RollbackStack()) != 0 {
		t.Error("MOCK action must not be rollback-eligible")
	}
	if c.State() != StateLocked {
		t.Errorf("state = %s, want LOCKED", c.State())
	}
}

func TestRollbackDeeperThanStack(t *testing.T) {
	c := New(nil, Options{})
	c.ExecuteToolAction("a", nil, contract.ModeDryRun)
	c.ExecuteToolAction("b", nil, contract.ModeDryRun)

	popped := c.RollbackExecution(10)
	if len(popped) != 2 {
		t.Fatalf("popped %d, want 2", len(popped))
	}
	if popped[0].Tool != "b" || popped[1].Tool != "a" {
		t.Errorf("pop order = %+v", popped)
	}
	if len(c.RollbackStack()) != 0 {
		t.Error("stack should be empty")
	}
	if c.State() != StateMock {
		t.Errorf("state = %s, want MOCK when nothing remains executed", c.State())
	}
	if again := c.RollbackExecution(3); len(again) != 0 {
		t.Errorf("empty stack rollback popped %d", len(again))
	}
}

func TestRollbackPartialLeavesDryRun(t *testing.T) {
	c := New(nil, Options{})
	c.ExecuteToolAction("a", nil, contract.ModeDryRun)
	c.ExecuteToolAction("b", nil, contract.ModeDryRun)

	popped := c.RollbackExecution(1)
	if len(popped) != 1 || popped[0].Tool != "b" {
		t.Fatalf("popped = %+v", popped)
	}
	if c.State() != StateDryRun {
		t.Errorf("state = %s, want DRY_RUN", c.State())
	}
	if got := c.ExecutedTools(); len(got) != 1 || got[0] != "a" {
		t.Errorf("executed = %v", got)
	}

	var sawRollback bool
	for _, tr := range c.Transitions() {
		if tr.To == StateRollback {
			sawRollback = true
		}
	}
	if !sawRollback {
		t.Error("rollback should pass through ROLLBACK")
	}
	if got := c.RollbackExecution(0); got != nil {
		t.Errorf("depth 0 should be a no-op, got %+v", got)
	}
}

func TestSetConfidenceThresholdClamps(t *testing.T) {
	c := New(nil, Options{})
	tests := []struct{ in, want float64 }{{-1, 0}, {0.7, 0.7}, {3, 1}}
	for _, tt := range tests {
		if got := c.SetConfidenceThreshold(tt.in); got != tt.want {
			t.Errorf("SetConfidenceThreshold(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if c.Status().ConfidenceThreshold != 1 {
		t.Errorf("stored threshold = %v", c.Status().ConfidenceThreshold)
	}
}

func TestConfidenceThresholdOption(t *testing.T) {
	zero, half := 0.0, 0.5
	tests := []struct {
		name string
		opt  *float64
		want float64
	}{
		{"unset", nil, DefaultConfidenceThreshold},
		{"explicit zero", &zero, 0},
		{"half", &half, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(nil, Options{ConfidenceThreshold: tt.opt})
			if got := c.Status().ConfidenceThreshold; got != tt.want {
				t.Errorf("threshold = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWithdrawApproval(t *testing.T) {
	c := New(AlwaysApprove{}, Options{})
	if !c.RequestLiveApproval("send_email", "r") {
		t.Fatal("approval expected")
	}

	c.WithdrawApproval("create_contact", "other tool")
	if c.State() != StateLive {
		t.Fatalf("State = %q, withdrawing another tool must not change it", c.State())
	}

	c.WithdrawApproval("send_email", "mode unsupported")
	if c.State() != StateDryRun {
		t.Errorf("State = %q, want DRY_RUN", c.State())
	}
	if got := c.ExecuteToolAction("send_email", nil, contract.ModeLive); got != contract.ModeDryRun {
		t.Errorf("ExecuteToolAction after withdraw = %s, want DRY_RUN", got)
	}
	trs := c.Transitions()
	var withdrawn bool
	for _, tr := range trs {
		if tr.From == StateLive && tr.To == StateDryRun {
			withdrawn = true
		}
	}
	if !withdrawn {
		t.Errorf("missing LIVE -> DRY_RUN transition in %+v", trs)
	}
}

func TestTransitionsFollowGraph(t *testing.T) {
	c := New(AlwaysApprove{}, Options{})
	c.EvaluateExecutionMode(highEmail(), 0.99)
	c.ExecuteToolAction("send_email", nil, contract.ModeLive)
	c.ExecuteToolAction("scan", nil, contract.ModeMock)
	c.RollbackExecution(1)
	c.LockSystem("x")
	c.UnlockSystem()

	for i, tr := range c.Transitions() {
		if !CanTransition(tr.From, tr.To) {
			t.Errorf("transition %d %s -> %s is not in the graph", i, tr.From, tr.To)
		}
	}
}

func TestTransitionTimestampsUseClock(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	c := New(nil, Options{Clock: func() time.Time { return at }})
	c.LockSystem("x")
	if got := c.Transitions()[0].Timestamp; !got.Equal(at) {
		t.Errorf("timestamp = %s, want %s", got, at)
	}
}

func TestTransitionsSince(t *testing.T) {
	c := New(nil, Options{})
	c.LockSystem("a")
	c.UnlockSystem()
	c.LockSystem("b")

	if got := c.TransitionsSince(2); len(got) != 1 || got[0].To != StateLocked {
		t.Errorf("TransitionsSince(2) = %+v", got)
	}
	if got := c.TransitionsSince(5); got != nil {
		t.Errorf("TransitionsSince past end = %+v", got)
	}
}

func TestPathWalksLadder(t *testing.T) {
	hops := path(StateMock, StateLive)
	want := []State{StateDryRun, StateAwaitingApproval, StateLive}
	if fmt.Sprint(hops) != fmt.Sprint(want) {
		t.Errorf("path(MOCK, LIVE) = %v, want %v", hops, want)
	}
	if path(StateMock, StateMock) != nil {
		t.Error("path to self should be nil")
	}
}
