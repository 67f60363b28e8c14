package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Allocation declares one strategy's cash partition in the allocations
// manifest. The ledger seeds virtual accounts from these at startup.
type Allocation struct {
	StrategyID string  `yaml:"id"`
	Cash       float64 `yaml:"cash"`
}

type allocationsFile struct {
	Strategies []Allocation `yaml:"strategies"`
}

// LoadAllocations reads the YAML allocations manifest.
func LoadAllocations(path string) ([]Allocation, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading allocations manifest: %w", err)
	}
	var file allocationsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing allocations manifest: %w", err)
	}
	seen := make(map[string]bool, len(file.Strategies))
	for i, a := range file.Strategies {
		id := strings.TrimSpace(a.StrategyID)
		if id == "" {
			return nil, fmt.Errorf("allocations[%d]: id is required", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("allocations: duplicate strategy id %q", id)
		}
		if a.Cash < 0 {
			return nil, fmt.Errorf("allocations: strategy %q has negative cash", id)
		}
		seen[id] = true
	}
	return file.Strategies, nil
}
