package access

import "forge-backend/internal/metadata"

// Evaluate decides a condition tree against a context. It is pure and total:
// any shape it does not recognize, including a nil condition, is false.
func Evaluate(e metadata.Expr, ctx *EvalContext) bool {
	switch v := e.(type) {
	case metadata.BoolExpr:
		return bool(v)
	case metadata.MatchExpr:
		for key, want := range v {
			if !matchPair(key, want, ctx) {
				return false
			}
		}
		return true
	case metadata.OrExpr:
		for _, sub := range v {
			if Evaluate(sub, ctx) {
				return true
			}
		}
		return false
	case metadata.AndExpr:
		for _, sub := range v {
			if !Evaluate(sub, ctx) {
				return false
			}
		}
		return true
	}
	return false
}

// matchPair checks one equality of a match condition. The key names a record
// field unless it is itself a placeholder; the wanted value may be a literal
// or a placeholder. Either side failing to resolve makes the pair false,
// never an error. Two unresolved sides are still false.
func matchPair(key string, want any, ctx *EvalContext) bool {
	var actual any
	if IsPlaceholder(key) {
		v, ok := Resolve(key, ctx)
		if !ok {
			return false
		}
		actual = v
	} else {
		if ctx == nil || ctx.Data == nil {
			return false
		}
		v, ok := ctx.Data[key]
		if !ok {
			return false
		}
		actual = v
	}

	expected := want
	if s, isStr := want.(string); isStr && IsPlaceholder(s) {
		v, ok := Resolve(s, ctx)
		if !ok {
			return false
		}
		expected = v
	}

	return strictEqual(actual, expected)
}

// strictEqual compares two values without coercion: strings to strings,
// bools to bools, nil to nil. The one exception is the numeric family: the
// same JSON document surfaces 5 as float64 or int64 depending on the decode
// path, so numeric types compare by value among themselves. A number never
// equals a string or bool.
func strictEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if na, ok := toNumber(a); ok {
		nb, ok := toNumber(b)
		return ok && na == nb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// SessionOnly reports whether a condition can be decided without record data:
// every match key is a placeholder, so evaluation reads only the session and
// params. List endpoints use this to tell "the caller can never pass this
// rule" apart from "the rule depends on each record".
func SessionOnly(e metadata.Expr) bool {
	switch v := e.(type) {
	case metadata.BoolExpr:
		return true
	case metadata.MatchExpr:
		for key := range v {
			if !IsPlaceholder(key) {
				return false
			}
		}
		return true
	case metadata.OrExpr:
		for _, sub := range v {
			if !SessionOnly(sub) {
				return false
			}
		}
		return true
	case metadata.AndExpr:
		for _, sub := range v {
			if !SessionOnly(sub) {
				return false
			}
		}
		return true
	}
	return false
}
