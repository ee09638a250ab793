package models

import "fmt"

// VariableKind distinguishes categorical from continuous context variables.
type VariableKind string

const (
	VariableCategorical VariableKind = "categorical"
	VariableContinuous  VariableKind = "continuous"
)

// ContextVariable describes one conditioning attribute.
type ContextVariable struct {
	Name        string       `json:"name" yaml:"name" mapstructure:"name"`
	Kind        VariableKind `json:"kind" yaml:"kind" mapstructure:"kind"`
	Cardinality int          `json:"cardinality,omitempty" yaml:"cardinality,omitempty" mapstructure:"cardinality"`
	// Categories pins the vocabulary order. When empty it is learned from data.
	Categories []string `json:"categories,omitempty" yaml:"categories,omitempty" mapstructure:"categories"`
}

// IsCategorical reports whether the variable is categorical.
func (v ContextVariable) IsCategorical() bool {
	return v.Kind != VariableContinuous
}

// Catalog is the ordered set of context variables a model is conditioned on.
type Catalog []ContextVariable

// Names returns variable names in catalog order.
func (c Catalog) Names() []string {
	names := make([]string, len(c))
	for i, v := range c {
		names[i] = v.Name
	}
	return names
}

// Index returns the position of a variable or -1.
func (c Catalog) Index(name string) int {
	for i, v := range c {
		if v.Name == name {
			return i
		}
	}
	return -1
}

// Categorical returns the categorical variables in catalog order.
func (c Catalog) Categorical() []ContextVariable {
	var out []ContextVariable
	for _, v := range c {
		if v.IsCategorical() {
			out = append(out, v)
		}
	}
	return out
}

// Equal compares names, kinds and cardinalities.
func (c Catalog) Equal(other Catalog) bool {
	if len(c) != len(other) {
		return false
	}
	for i := range c {
		if c[i].Name != other[i].Name || c[i].IsCategorical() != other[i].IsCategorical() {
			return false
		}
		if c[i].IsCategorical() && c[i].Cardinality != other[i].Cardinality {
			return false
		}
	}
	return true
}

// ContextAssignment maps variable names to raw values. Absent names are unspecified.
type ContextAssignment map[string]interface{}

// Clone copies the assignment.
func (a ContextAssignment) Clone() ContextAssignment {
	out := make(ContextAssignment, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// EncodedContext is the fixed-width numeric form of a context assignment.
// Indices has one entry per categorical variable (-1 when absent), Values one
// entry per continuous variable (standardized, 0 when absent), and Present one
// flag per catalog variable.
type EncodedContext struct {
	Indices []int     `json:"indices"`
	Values  []float64 `json:"values"`
	Present []bool    `json:"present"`
}

// Sparse reports whether any catalog variable is missing.
func (e EncodedContext) Sparse() bool {
	for _, p := range e.Present {
		if !p {
			return true
		}
	}
	return false
}

// Key returns a stable string identifying the combination, used for grouping.
func (e EncodedContext) Key() string {
	return fmt.Sprintf("%v|%v", e.Indices, e.Values)
}

// Clone copies the encoded context.
func (e EncodedContext) Clone() EncodedContext {
	return EncodedContext{
		Indices: append([]int(nil), e.Indices...),
		Values:  append([]float64(nil), e.Values...),
		Present: append([]bool(nil), e.Present...),
	}
}
