package contract

import (
	"fmt"
	"sort"
	"sync"
)

type Registry struct {
	mu        sync.RWMutex
	contracts map[string]Contract
}

func NewRegistry() *Registry {
	return &Registry{contracts: make(map[string]Contract)}
}

// NewDefaultRegistry returns a registry preloaded with Defaults.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, c := range Defaults() {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
	return r
}

// Register inserts or replaces the contract for c.Name. Malformed contracts
// are rejected and leave the registry untouched.
func (r *Registry) Register(c Contract) error {
	valid, err := New(c)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contracts[valid.Name] = valid
	return nil
}

func (r *Registry) RegisterAll(cs []Contract) error {
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) Get(name string) (Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[name]
	if !ok {
		return Contract{}, false
	}
	return c.clone(), true
}

// ValidateRequest checks that name is registered and can run in mode.
func (r *Registry) ValidateRequest(name string, mode Mode) (bool, string) {
	c, ok := r.Get(name)
	if !ok {
		return false, fmt.Sprintf("unknown tool: %s", name)
	}
	if !c.CanExecuteIn(mode) {
		return false, fmt.Sprintf("mode unsupported: %s cannot execute in %s", name, mode)
	}
	return true, "ok"
}

func (r *Registry) ListByRisk(level RiskLevel) []Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Contract
	for _, c := range r.contracts {
		if c.Risk == level {
			out = append(out, c.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.contracts))
	for name := range r.contracts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type Stats struct {
	Total             int               `json:"total"`
	ByRisk            map[RiskLevel]int `json:"by_risk"`
	Reversible        int               `json:"reversible"`
	RequiringApproval int               `json:"requiring_approval"`
	MockAvailable     int               `json:"mock_available"`
}

func (r *Registry) Statistics() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{ByRisk: map[RiskLevel]int{RiskLow: 0, RiskMedium: 0, RiskHigh: 0}}
	for _, c := range r.contracts {
		s.Total++
		s.ByRisk[c.Risk]++
		if c.Reversible {
			s.Reversible++
		}
		if c.RequiresApproval {
			s.RequiringApproval++
		}
		if c.MockAvailable {
			s.MockAvailable++
		}
	}
	return s
}
