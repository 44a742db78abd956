// Package contract holds the static risk metadata for every tool an agent may
// invoke. Contracts are validated when they are built and are read-only once
// registered.
package contract

import (
	"slices"
	"time"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Mode is the escalation level a tool invocation runs in.
type Mode string

const (
	ModeMock   Mode = "MOCK"
	ModeDryRun Mode = "DRY_RUN"
	ModeLive   Mode = "LIVE"
)

// Rank orders modes from least to most side-effecting.
func (m Mode) Rank() int {
	switch m {
	case ModeMock:
		return 0
	case ModeDryRun:
		return 1
	case ModeLive:
		return 2
	}
	return -1
}

// Cap returns the lower of m and limit.
func (m Mode) Cap(limit Mode) Mode {
	if limit.Rank() >= 0 && m.Rank() > limit.Rank() {
		return limit
	}
	return m
}

const DefaultTimeout = 30 * time.Second

type Contract struct {
	Name             string    `yaml:"name" json:"name"`
	Risk             RiskLevel `yaml:"risk" json:"risk"`
	Reversible       bool      `yaml:"reversible" json:"reversible"`
	Permissions      []string  `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	Dependencies     []string  `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	TimeoutSeconds   int       `yaml:"timeout_seconds" json:"timeout_seconds"`
	MockAvailable    bool      `yaml:"mock_available" json:"mock_available"`
	MaxConcurrent    int       `yaml:"max_concurrent" json:"max_concurrent"`
	RequiresApproval bool      `yaml:"requires_approval" json:"requires_approval"`
}

// New validates c and returns a copy that shares no slices with the input.
// A HIGH risk contract must be irreversible and require approval.
func New(c Contract) (Contract, error) {
	if err := c.Validate(); err != nil {
		return Contract{}, err
	}
	return c.clone(), nil
}

func (c Contract) Validate() error {
	if c.Name == "" {
		return &ViolationError{Reason: "tool name is required"}
	}
	if !c.Risk.Valid() {
		return &ViolationError{Tool: c.Name, Reason: "unknown risk level " + string(c.Risk)}
	}
	if c.Risk == RiskHigh && c.Reversible {
		return &ViolationError{Tool: c.Name, Reason: "HIGH risk tools cannot be reversible"}
	}
	if c.Risk == RiskHigh && !c.RequiresApproval {
		return &ViolationError{Tool: c.Name, Reason: "HIGH risk tools must require approval"}
	}
	if c.TimeoutSeconds < 0 {
		return &ViolationError{Tool: c.Name, Reason: "timeout_seconds must not be negative"}
	}
	if c.MaxConcurrent < 0 {
		return &ViolationError{Tool: c.Name, Reason: "max_concurrent must not be negative"}
	}
	if slices.Contains(c.Dependencies, c.Name) {
		return &ViolationError{Tool: c.Name, Reason: "tool cannot depend on itself"}
	}
	return nil
}

// CanExecuteIn reports whether the mode is structurally supported. LIVE is
// always allowed here; approval is the controller's job.
func (c Contract) CanExecuteIn(mode Mode) bool {
	switch mode {
	case ModeMock:
		return c.MockAvailable
	case ModeDryRun:
		return c.MockAvailable || c.Reversible
	case ModeLive:
		return true
	}
	return false
}

func (c Contract) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return DefaultTimeout
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c Contract) HasPermission(perm string) bool {
	return slices.Contains(c.Permissions, perm)
}

func (c Contract) clone() Contract {
	c.Permissions = slices.Clone(c.Permissions)
	c.Dependencies = slices.Clone(c.Dependencies)
	return c
}
