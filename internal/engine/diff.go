package engine

import (
	"fmt"
	"time"
)

// ChangedFields returns the subset of incoming whose values differ from the
// existing record. A database round trip changes Go types (int64 vs float64,
// time.Time vs RFC3339 string), so values are compared by family rather than
// by strict type; a client re-sending a record unchanged produces an empty
// diff.
func ChangedFields(existing, incoming map[string]any) map[string]any {
	changed := make(map[string]any)
	for key, newVal := range incoming {
		oldVal, ok := existing[key]
		if !ok || !sameValue(oldVal, newVal) {
			changed[key] = newVal
		}
	}
	return changed
}

func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if fa, okA := toFloat64(a); okA {
		fb, okB := toFloat64(b)
		return okB && fa == fb
	}

	switch av := a.(type) {
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		switch bv := b.(type) {
		case string:
			return av == bv
		case time.Time:
			return timeEqualsString(bv, av)
		}
		return false
	case time.Time:
		switch bv := b.(type) {
		case time.Time:
			return av.Equal(bv)
		case string:
			return timeEqualsString(av, bv)
		}
		return false
	}

	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func timeEqualsString(t time.Time, s string) bool {
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return false
	}
	return t.Equal(parsed)
}
