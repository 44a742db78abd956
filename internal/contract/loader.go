package contract

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	Contracts []Contract `yaml:"contracts"`
}

// Load reads a YAML contract catalog. Every entry is validated.
func Load(path string) ([]Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading contracts %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) ([]Contract, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing contracts: %w", err)
	}
	out := make([]Contract, 0, len(f.Contracts))
	for _, c := range f.Contracts {
		valid, err := New(c)
		if err != nil {
			return nil, err
		}
		out = append(out, valid)
	}
	return out, nil
}
