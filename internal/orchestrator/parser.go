package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ParsePlan decodes a JSON or YAML plan. A plan without an id gets a fresh
// uuid.
func ParsePlan(data []byte) (ExecutionPlan, error) {
	var plan ExecutionPlan
	var err error
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		err = json.Unmarshal(trimmed, &plan)
	} else {
		err = yaml.Unmarshal(data, &plan)
	}
	if err != nil {
		return ExecutionPlan{}, fmt.Errorf("parsing plan: %w", err)
	}
	if strings.TrimSpace(plan.PlanID) == "" {
		plan.PlanID = uuid.NewString()
	}
	if len(plan.ExecutionOrder) == 0 && len(plan.AgentAssignments) == 0 {
		return ExecutionPlan{}, fmt.Errorf("plan %s: no assignments and no execution order", plan.PlanID)
	}
	return plan, nil
}

func LoadPlan(path string) (ExecutionPlan, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return ExecutionPlan{}, fmt.Errorf("reading plan: %w", err)
	}
	return ParsePlan(data)
}
