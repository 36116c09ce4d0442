package rig

import (
	"math"
	"strconv"
	"strings"
)

// IndexAliasPrefix addresses a control by position, e.g. "param_3"
const IndexAliasPrefix = "param_"

// ControlSpec describes one named scalar control
type ControlSpec struct {
	ID      string
	Default float64
	Min     float64
	Max     float64
}

// Controls is an ordered set of named scalar controls. Values are clamped to
// each control's range when Min < Max.
type Controls struct {
	specs  []ControlSpec
	values []float64
	index  map[string]int
}

// NewControls creates a control set with every value at its default
func NewControls(specs []ControlSpec) *Controls {
	c := &Controls{
		specs:  make([]ControlSpec, len(specs)),
		values: make([]float64, len(specs)),
		index:  make(map[string]int, len(specs)),
	}
	copy(c.specs, specs)
	for i, s := range c.specs {
		if _, dup := c.index[s.ID]; !dup {
			c.index[s.ID] = i
		}
		c.values[i] = s.Default
	}
	return c
}

// Len returns the number of controls
func (c *Controls) Len() int {
	return len(c.specs)
}

// Index resolves a control name or a param_N alias to its position. The
// second result is false when the control does not exist.
func (c *Controls) Index(name string) (int, bool) {
	if i, ok := c.index[name]; ok {
		return i, true
	}
	if rest, ok := strings.CutPrefix(name, IndexAliasPrefix); ok {
		n, err := strconv.Atoi(rest)
		if err == nil && n >= 0 && n < len(c.specs) {
			return n, true
		}
	}
	return -1, false
}

// ID returns the identifier of the control at i
func (c *Controls) ID(i int) string {
	return c.specs[i].ID
}

// Spec returns the description of the control at i
func (c *Controls) Spec(i int) ControlSpec {
	return c.specs[i]
}

// Names returns every control identifier in order
func (c *Controls) Names() []string {
	names := make([]string, len(c.specs))
	for i, s := range c.specs {
		names[i] = s.ID
	}
	return names
}

// ValueAt returns the current value of the control at i
func (c *Controls) ValueAt(i int) float64 {
	return c.values[i]
}

// DefaultAt returns the rest value of the control at i
func (c *Controls) DefaultAt(i int) float64 {
	return c.specs[i].Default
}

// SetAt writes the control at i. Non-finite values are ignored.
func (c *Controls) SetAt(i int, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	s := c.specs[i]
	if s.Min < s.Max {
		v = math.Max(s.Min, math.Min(s.Max, v))
	}
	c.values[i] = v
}

// Value returns the value of the named control
func (c *Controls) Value(name string) (float64, bool) {
	i, ok := c.Index(name)
	if !ok {
		return 0, false
	}
	return c.values[i], true
}

// Set writes the named control and reports whether it exists
func (c *Controls) Set(name string, v float64) bool {
	i, ok := c.Index(name)
	if !ok {
		return false
	}
	c.SetAt(i, v)
	return true
}

// Reset returns every control to its default
func (c *Controls) Reset() {
	for i, s := range c.specs {
		c.values[i] = s.Default
	}
}

// Snapshot copies the current values
func (c *Controls) Snapshot() []float64 {
	out := make([]float64, len(c.values))
	copy(out, c.values)
	return out
}
