package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/xhad/embedfill/internal/models"
)

type Op int

const (
	OpExists Op = iota
	OpNotExists
	OpEq
	OpNe
	OpGt
	OpGte
	OpLt
	OpLte
)

var opNames = map[Op]string{
	OpExists:    "exists",
	OpNotExists: "not exists",
	OpEq:        "=",
	OpNe:        "!=",
	OpGt:        ">",
	OpGte:       ">=",
	OpLt:        "<",
	OpLte:       "<=",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Predicate is a single test against a logical document field.
type Predicate struct {
	Field string
	Op    Op
	Value interface{}
}

// Filter is a conjunction of predicates. An empty filter matches everything.
type Filter []Predicate

func Exists(field string) Predicate    { return Predicate{Field: field, Op: OpExists} }
func NotExists(field string) Predicate { return Predicate{Field: field, Op: OpNotExists} }
func Eq(field string, v interface{}) Predicate {
	return Predicate{Field: field, Op: OpEq, Value: v}
}
func Ne(field string, v interface{}) Predicate {
	return Predicate{Field: field, Op: OpNe, Value: v}
}
func Gt(field string, v interface{}) Predicate {
	return Predicate{Field: field, Op: OpGt, Value: v}
}
func Gte(field string, v interface{}) Predicate {
	return Predicate{Field: field, Op: OpGte, Value: v}
}
func Lt(field string, v interface{}) Predicate {
	return Predicate{Field: field, Op: OpLt, Value: v}
}
func Lte(field string, v interface{}) Predicate {
	return Predicate{Field: field, Op: OpLte, Value: v}
}

// PendingFilter selects documents that have source text but no embedding yet.
func PendingFilter() Filter {
	return Filter{
		Exists(models.FieldText),
		Ne(models.FieldText, ""),
		NotExists(models.FieldEmbedding),
	}
}

// EmbeddedFilter selects documents that already carry an embedding.
func EmbeddedFilter() Filter {
	return Filter{Exists(models.FieldEmbedding)}
}

func (f Filter) String() string {
	if len(f) == 0 {
		return "*"
	}
	parts := make([]string, 0, len(f))
	for _, p := range f {
		switch p.Op {
		case OpExists, OpNotExists:
			parts = append(parts, fmt.Sprintf("%s %s", p.Field, p.Op))
		default:
			if sv, ok := p.Value.(string); ok {
				parts = append(parts, fmt.Sprintf("%s %s %q", p.Field, p.Op, sv))
				continue
			}
			parts = append(parts, fmt.Sprintf("%s %s %v", p.Field, p.Op, p.Value))
		}
	}
	return strings.Join(parts, " AND ")
}

// Matches evaluates the filter against a document held in memory.
func (f Filter) Matches(doc models.Document) bool {
	for _, p := range f {
		if !p.Matches(doc) {
			return false
		}
	}
	return true
}

func (p Predicate) Matches(doc models.Document) bool {
	v, ok := doc.Field(p.Field)
	switch p.Op {
	case OpExists:
		return ok
	case OpNotExists:
		return !ok
	case OpEq:
		return ok && equal(v, p.Value)
	case OpNe:
		return !ok || !equal(v, p.Value)
	}
	if !ok {
		return false
	}
	c, comparable := compare(v, p.Value)
	if !comparable {
		return false
	}
	switch p.Op {
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	}
	return false
}

func equal(a, b interface{}) bool {
	if c, ok := compare(a, b); ok {
		return c == 0
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compare(a, b interface{}) (int, bool) {
	if fa, ok := ToFloat(a); ok {
		fb, ok := ToFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(sa, sb), true
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return ta.Compare(tb), true
	}
	return 0, false
}

// ToFloat converts any Go numeric value to float64.
func ToFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
