package metadata

import (
	"fmt"

	"github.com/expr-lang/expr"
)

// Rule is a validation or computed-field rule attached to an entity hook.
// Type is one of "field", "expression", "computed".
// Hook is one of "before_write", "before_delete".
type Rule struct {
	ID         string         `json:"id"`
	Entity     string         `json:"entity"`
	Hook       string         `json:"hook"`
	Type       string         `json:"type"`
	Definition RuleDefinition `json:"definition"`
	Priority   int            `json:"priority"`
	Active     bool           `json:"active"`

	// Compiled holds the compiled expr program for expression and computed
	// rules. The loader populates it via Compile; evaluation falls back to
	// compiling on first use for rules built in code.
	Compiled any `json:"-"`
}

// RuleDefinition is the JSON body of a rule. Field rules use Field, Operator,
// Value. Expression and computed rules use Expression; computed rules also
// name the target Field.
type RuleDefinition struct {
	Field      string `json:"field,omitempty"`
	Operator   string `json:"operator,omitempty"`
	Value      any    `json:"value,omitempty"`
	Message    string `json:"message,omitempty"`
	Expression string `json:"expression,omitempty"`
	StopOnFail bool   `json:"stop_on_fail,omitempty"`
}

// Compile pre-compiles the rule expression, if any. Expression rules compile
// with a boolean result type, computed rules with an open result type.
// Field rules have nothing to compile.
func (r *Rule) Compile() error {
	if r.Definition.Expression == "" {
		return nil
	}
	switch r.Type {
	case "expression":
		prog, err := expr.Compile(r.Definition.Expression, expr.AsBool())
		if err != nil {
			return fmt.Errorf("compile rule %s: %w", r.ID, err)
		}
		r.Compiled = prog
	case "computed":
		prog, err := expr.Compile(r.Definition.Expression)
		if err != nil {
			return fmt.Errorf("compile rule %s: %w", r.ID, err)
		}
		r.Compiled = prog
	}
	return nil
}
