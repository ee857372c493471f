// Package nodes holds the configured set of ledger nodes and their trust weights.
package nodes

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfiguration is wrapped by every node validation failure.
	ErrInvalidConfiguration = errors.New("invalid node configuration")
	// ErrNodeNotFound is returned for lookups of names that are not registered.
	ErrNodeNotFound = errors.New("node not found")
)

// Node is one configured ledger node.
type Node struct {
	Name               string
	Address            string
	TrustWeight        decimal.Decimal
	EnabledForIndexing bool
}

// NodeConfig is the YAML form of a Node.
type NodeConfig struct {
	Name               string      `yaml:"name"`
	Address            string      `yaml:"address"`
	TrustWeight        TrustWeight `yaml:"trust_weight"`
	EnabledForIndexing *bool       `yaml:"enabled_for_indexing"`
}

// Node converts the config entry. Indexing defaults to enabled.
func (c NodeConfig) Node() Node {
	enabled := true
	if c.EnabledForIndexing != nil {
		enabled = *c.EnabledForIndexing
	}
	return Node{
		Name:               c.Name,
		Address:            c.Address,
		TrustWeight:        c.TrustWeight.Decimal,
		EnabledForIndexing: enabled,
	}
}

// FromConfig converts a list of config entries, preserving order.
func FromConfig(configs []NodeConfig) []Node {
	out := make([]Node, len(configs))
	for i, c := range configs {
		out[i] = c.Node()
	}
	return out
}

// TrustWeight decodes a YAML scalar such as 1, 0.5 or "2.25" exactly.
type TrustWeight struct {
	decimal.Decimal
}

func (w *TrustWeight) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("trust_weight must be a number, line %d", value.Line)
	}
	d, err := decimal.NewFromString(value.Value)
	if err != nil {
		return fmt.Errorf("trust_weight %q on line %d: %w", value.Value, value.Line, err)
	}
	w.Decimal = d
	return nil
}

// Validate checks a node list the way the registry does before accepting it.
// Every problem is reported; each wraps ErrInvalidConfiguration.
func Validate(list []Node) error {
	var errs []error
	seen := make(map[string]int, len(list))
	for i, n := range list {
		if n.Name == "" {
			errs = append(errs, fmt.Errorf("%w: node %d has an empty name", ErrInvalidConfiguration, i))
		} else if prev, dup := seen[n.Name]; dup {
			errs = append(errs, fmt.Errorf("%w: node %d duplicates name %q of node %d", ErrInvalidConfiguration, i, n.Name, prev))
		} else {
			seen[n.Name] = i
		}
		if n.Address == "" {
			errs = append(errs, fmt.Errorf("%w: node %q has an empty address", ErrInvalidConfiguration, n.Name))
		}
		if n.TrustWeight.IsNegative() {
			errs = append(errs, fmt.Errorf("%w: node %q has negative trust weight %s", ErrInvalidConfiguration, n.Name, n.TrustWeight))
		}
	}
	return errors.Join(errs...)
}
