// Package query implements ControlQuery: a mutable, thread-safe predicate
// over structured records, built as a boolean combination of field tests.
// Updates swap the whole predicate atomically, so an in-flight evaluation
// always sees either the old or the new version, never a torn one.
package query

import (
	"sync/atomic"
)

// Record exposes the fields a Query can test. Field returns every value the
// named field holds (accounts, for instance, expose both "id" and
// "publicKey" forms under the same field name), so that $in is effectively
// "any of these values matches any of the record's values".
type Record interface {
	Field(name string) []string
}

// MapRecord is the simplest Record: a fixed map of field name to values.
type MapRecord map[string][]string

func (m MapRecord) Field(name string) []string { return m[name] }

// Expr is a boolean test over a Record.
type Expr interface {
	eval(r Record) bool
}

// Any always matches — the wildcard case ("*").
type Any struct{}

func (Any) eval(Record) bool { return true }

// None never matches, the empty-set case. Distinct from the wildcard.
type None struct{}

func (None) eval(Record) bool { return false }

// Eq tests that field's value set contains exactly Value.
type Eq struct {
	Field string
	Value string
}

func (e Eq) eval(r Record) bool {
	for _, v := range r.Field(e.Field) {
		if v == e.Value {
			return true
		}
	}
	return false
}

// In tests that field's value set intersects Values.
type In struct {
	Field  string
	Values map[string]struct{}
}

// NewIn builds an In expression from a slice of allowed values.
func NewIn(field string, values []string) In {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return In{Field: field, Values: set}
}

func (e In) eval(r Record) bool {
	for _, v := range r.Field(e.Field) {
		if _, ok := e.Values[v]; ok {
			return true
		}
	}
	return false
}

// Or matches if any sub-expression matches.
type Or struct {
	Exprs []Expr
}

func (o Or) eval(r Record) bool {
	for _, e := range o.Exprs {
		if e.eval(r) {
			return true
		}
	}
	return false
}

// ControlQuery is the mutable predicate. The zero value matches nothing
// until Change is called.
type ControlQuery struct {
	current atomic.Pointer[Expr]
}

// New builds a ControlQuery starting at expr.
func New(expr Expr) *ControlQuery {
	cq := &ControlQuery{}
	cq.current.Store(&expr)
	return cq
}

// Change atomically swaps the active predicate. Evaluations concurrent with
// Change observe either the pre- or post-change predicate, never a mix.
func (c *ControlQuery) Change(expr Expr) {
	c.current.Store(&expr)
}

// Evaluate tests record against the current predicate.
func (c *ControlQuery) Evaluate(record Record) bool {
	exprPtr := c.current.Load()
	if exprPtr == nil {
		return false
	}
	return (*exprPtr).eval(record)
}
