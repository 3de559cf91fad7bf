package graph

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"fetchline/internal/domain"
)

// Param is a connectable parameter slot. A slot is addressable iff ID is
// non-empty; a slot with only a literal value is directly connected and
// never enumerated.
type Param struct {
	ID    string   `yaml:"id" json:"id,omitempty"`
	Value *float64 `yaml:"value" json:"value,omitempty"`
}

// Conditional is one entry in an edge's conditional-probability list.
type Conditional struct {
	Condition   string `yaml:"condition" json:"condition,omitempty"`
	Probability *Param `yaml:"probability" json:"probability,omitempty"`
}

// Edge carries the three base slots plus the conditional list.
type Edge struct {
	ID              string        `yaml:"id" json:"id"`
	From            string        `yaml:"from" json:"from"`
	To              string        `yaml:"to" json:"to"`
	BaseProbability *Param        `yaml:"base_probability" json:"base_probability,omitempty"`
	MonetaryCost    *Param        `yaml:"monetary_cost" json:"monetary_cost,omitempty"`
	LabourCost      *Param        `yaml:"labour_cost" json:"labour_cost,omitempty"`
	Conditionals    []Conditional `yaml:"conditionals" json:"conditionals,omitempty"`
}

// Case is a node's case slot.
type Case struct {
	ID string `yaml:"id" json:"id,omitempty"`
}

// Node owns at most one case slot.
type Node struct {
	ID    string `yaml:"id" json:"id"`
	Label string `yaml:"label" json:"label,omitempty"`
	Case  *Case  `yaml:"case" json:"case,omitempty"`
}

// Graph is the read-only structure the planner walks. Version increments
// on every import and drives the analysis cache key.
type Graph struct {
	ID      string `yaml:"id" json:"id"`
	Version int    `yaml:"version" json:"version"`
	Nodes   []Node `yaml:"nodes" json:"nodes"`
	Edges   []Edge `yaml:"edges" json:"edges"`
}

// FromYAML decodes a graph document. Decoding is strict: fields outside the
// documented schema (legacy aliases) are rejected rather than carried as
// targets.
func FromYAML(data []byte) (Graph, error) {
	var g Graph
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&g); err != nil {
		return Graph{}, fmt.Errorf("invalid graph yaml: %w", err)
	}
	if g.ID == "" {
		return Graph{}, fmt.Errorf("graph id is required")
	}
	return g, nil
}

// FromFile reads a graph document from disk.
func FromFile(path string) (Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Graph{}, err
	}
	return FromYAML(data)
}

// ToYAML serializes the graph for persistence.
func (g Graph) ToYAML() ([]byte, error) {
	return yaml.Marshal(g)
}

// Enumerate walks the graph and returns every addressable target: edge
// slots and conditional probabilities carrying an id, then node cases.
// Pure; order is stable within one call (edges in graph order, slots in
// fixed order, then nodes).
func Enumerate(g Graph) []domain.FetchTarget {
	var out []domain.FetchTarget
	for _, e := range g.Edges {
		slots := []struct {
			slot  domain.ParamSlot
			param *Param
		}{
			{domain.SlotBaseProbability, e.BaseProbability},
			{domain.SlotMonetaryCost, e.MonetaryCost},
			{domain.SlotLabourCost, e.LabourCost},
		}
		for _, s := range slots {
			if s.param != nil && s.param.ID != "" {
				out = append(out, domain.FetchTarget{
					Type:     domain.TargetParameter,
					ObjectID: s.param.ID,
					TargetID: e.ID,
					Slot:     s.slot,
				})
			}
		}
		for i, c := range e.Conditionals {
			if c.Probability != nil && c.Probability.ID != "" {
				idx := i
				out = append(out, domain.FetchTarget{
					Type:             domain.TargetParameter,
					ObjectID:         c.Probability.ID,
					TargetID:         e.ID,
					Slot:             domain.SlotConditional,
					ConditionalIndex: &idx,
				})
			}
		}
	}
	for _, n := range g.Nodes {
		if n.Case != nil && n.Case.ID != "" {
			out = append(out, domain.FetchTarget{
				Type:     domain.TargetCase,
				ObjectID: n.Case.ID,
				TargetID: n.ID,
			})
		}
	}
	return out
}
