package config

import (
	"fmt"
	"os"

	"github.com/orneryd/suset/pkg/constraint"
	"gopkg.in/yaml.v3"
)

// constraintFile is the on-disk shape of a declarative constraint tree: an
// ordered list of named constraints, checked and repaired in the order
// given.
type constraintFile struct {
	Constraints []constraintEntry `yaml:"constraints"`
}

type constraintEntry struct {
	Type     string `yaml:"type"`
	Property string `yaml:"property"`
}

// LoadConstraints reads path (if non-empty) and builds the constraint.CheckList
// it describes. An empty path yields an empty CheckList, i.e. no invariants
// enforced.
func LoadConstraints(path string) (constraint.Constraint, error) {
	if path == "" {
		return constraint.CheckList{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load constraints: %w", err)
	}
	var file constraintFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("config: parse constraints %s: %w", path, err)
	}

	list := make(constraint.CheckList, 0, len(file.Constraints))
	for _, entry := range file.Constraints {
		c, err := buildConstraint(entry)
		if err != nil {
			return nil, fmt.Errorf("config: constraints %s: %w", path, err)
		}
		list = append(list, c)
	}
	return list, nil
}

func buildConstraint(entry constraintEntry) (constraint.Constraint, error) {
	switch entry.Type {
	case "singleValued":
		if entry.Property == "" {
			return nil, fmt.Errorf("singleValued constraint requires a property")
		}
		return constraint.SingleValued{Property: entry.Property}, nil
	default:
		return nil, fmt.Errorf("unknown constraint type %q", entry.Type)
	}
}
