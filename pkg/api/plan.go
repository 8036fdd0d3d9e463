package api

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadPlan reads a plan from a YAML file and validates it. An empty path
// returns the built-in default plan.
func LoadPlan(path string) (Plan, error) {
	if path == "" {
		return DefaultPlan(), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("read plan: %w", err)
	}
	var p Plan
	if err := yaml.Unmarshal(content, &p); err != nil {
		return Plan{}, fmt.Errorf("parse plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	return p, nil
}

// Validate rejects plans that could never produce a meaningful run. Empty
// matrix axes and empty command lists are legal; they just expand to nothing.
func (p Plan) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("plan has no name")
	}
	for i, c := range p.Commands {
		if c.Run == "" {
			return fmt.Errorf("command %d (%s) has no run line", i, c.Name)
		}
	}
	return nil
}
