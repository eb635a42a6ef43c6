package metadata

import (
	"encoding/json"
	"fmt"
	"log"
)

// Action is one of the operations an access rule can guard.
type Action string

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"

	// ActionWrite is the field-level axis shared by create and update.
	ActionWrite Action = "write"
)

// Expr is a node in an access condition tree. The set of shapes is closed:
// a boolean literal, an equality match, or an or/and combinator. Anything
// else fails parsing and degrades to a deny rule.
type Expr interface {
	isExpr()
}

// BoolExpr allows or denies unconditionally.
type BoolExpr bool

// MatchExpr is an AND of strict equality checks. Keys normally name record
// fields; a key starting with "$" is resolved against the evaluation context
// instead, so {"$currentUser.role": "admin"} works without record data.
// Values are literals or "$"-prefixed placeholder strings.
type MatchExpr map[string]any

// OrExpr is true when any element is true. An empty list is false.
type OrExpr []Expr

// AndExpr is true when all elements are true. An empty list is true.
type AndExpr []Expr

func (BoolExpr) isExpr()  {}
func (MatchExpr) isExpr() {}
func (OrExpr) isExpr()    {}
func (AndExpr) isExpr()   {}

// ParseExpr decodes the condition grammar: a boolean, an object of
// field -> literal-or-placeholder, {"or": [...]}, or {"and": [...]}.
func ParseExpr(data []byte) (Expr, error) {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil && string(data) != "null" {
		return BoolExpr(b), nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return nil, fmt.Errorf("condition must be a boolean or an object")
	}

	if raw, ok := obj["or"]; ok {
		if len(obj) != 1 {
			return nil, fmt.Errorf(`"or" cannot be combined with other keys`)
		}
		subs, err := parseExprList(raw)
		if err != nil {
			return nil, fmt.Errorf(`"or": %w`, err)
		}
		return OrExpr(subs), nil
	}
	if raw, ok := obj["and"]; ok {
		if len(obj) != 1 {
			return nil, fmt.Errorf(`"and" cannot be combined with other keys`)
		}
		subs, err := parseExprList(raw)
		if err != nil {
			return nil, fmt.Errorf(`"and": %w`, err)
		}
		return AndExpr(subs), nil
	}

	m := make(MatchExpr, len(obj))
	for key, raw := range obj {
		var val any
		if err := json.Unmarshal(raw, &val); err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		switch val.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("field %q: match values must be scalars or placeholders", key)
		}
		m[key] = val
	}
	return m, nil
}

func parseExprList(raw json.RawMessage) ([]Expr, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("expected a list of conditions")
	}
	subs := make([]Expr, 0, len(items))
	for i, item := range items {
		sub, err := ParseExpr(item)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Condition wraps an Expr for embedding in entity definitions. A malformed
// condition never aborts the schema decode: it is logged and replaced with a
// deny-all literal, so a bad rule can only ever restrict access.
type Condition struct {
	Expr Expr
}

func (c *Condition) UnmarshalJSON(data []byte) error {
	expr, err := ParseExpr(data)
	if err != nil {
		log.Printf("WARN: malformed access condition %s: %v (treating as deny)", data, err)
		c.Expr = BoolExpr(false)
		return nil
	}
	c.Expr = expr
	return nil
}

func (c Condition) MarshalJSON() ([]byte, error) {
	return json.Marshal(exprValue(c.Expr))
}

func exprValue(e Expr) any {
	switch v := e.(type) {
	case BoolExpr:
		return bool(v)
	case MatchExpr:
		return map[string]any(v)
	case OrExpr:
		items := make([]any, len(v))
		for i, sub := range v {
			items[i] = exprValue(sub)
		}
		return map[string]any{"or": items}
	case AndExpr:
		items := make([]any, len(v))
		for i, sub := range v {
			items[i] = exprValue(sub)
		}
		return map[string]any{"and": items}
	default:
		return false
	}
}

// AccessRules holds the per-action conditions of an entity. A nil condition
// means no rule was declared for that action; the facade decides the default.
type AccessRules struct {
	Read   *Condition `json:"read,omitempty"`
	Create *Condition `json:"create,omitempty"`
	Update *Condition `json:"update,omitempty"`
	Delete *Condition `json:"delete,omitempty"`
}

// For returns the declared condition for an action. The second return is
// false when no rule is declared or the action is not an entity action.
func (a *AccessRules) For(action Action) (Expr, bool) {
	if a == nil {
		return nil, false
	}
	var c *Condition
	switch action {
	case ActionRead:
		c = a.Read
	case ActionCreate:
		c = a.Create
	case ActionUpdate:
		c = a.Update
	case ActionDelete:
		c = a.Delete
	}
	if c == nil || c.Expr == nil {
		return nil, false
	}
	return c.Expr, true
}

// FieldAccess holds the read/write conditions of a single field. A literal
// false write rule marks a system-managed field nobody can write.
type FieldAccess struct {
	Read  *Condition `json:"read,omitempty"`
	Write *Condition `json:"write,omitempty"`
}

// ForRead returns the field's read condition, if declared.
func (fa *FieldAccess) ForRead() (Expr, bool) {
	if fa == nil || fa.Read == nil || fa.Read.Expr == nil {
		return nil, false
	}
	return fa.Read.Expr, true
}

// ForWrite returns the field's write condition, if declared.
func (fa *FieldAccess) ForWrite() (Expr, bool) {
	if fa == nil || fa.Write == nil || fa.Write.Expr == nil {
		return nil, false
	}
	return fa.Write.Expr, true
}

// WriteLocked reports whether the write rule is the literal false.
func (fa *FieldAccess) WriteLocked() bool {
	expr, ok := fa.ForWrite()
	if !ok {
		return false
	}
	b, isBool := expr.(BoolExpr)
	return isBool && !bool(b)
}
