package controller

// ApprovalGate decides whether a LIVE escalation may proceed. Production
// deployments supply a human-in-the-loop gate.
type ApprovalGate interface {
	Approve(reason string) bool
}

type GateFunc func(reason string) bool

func (f GateFunc) Approve(reason string) bool { return f(reason) }

// AlwaysApprove is meant for tests and dry-run pipelines only.
type AlwaysApprove struct{}

func (AlwaysApprove) Approve(string) bool { return true }

// DenyAll is used when no gate is configured.
type DenyAll struct{}

func (DenyAll) Approve(string) bool { return false }
