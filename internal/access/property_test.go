package access

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"forge-backend/internal/metadata"
)

// ticketDef gates fields only on session paths and on declared, ungated
// fields (kind, owner_id), the shape under which read filtering is a
// fixpoint after one application.
const ticketDef = `{
	"name": "ticket",
	"table": "tickets",
	"primary_key": {"field": "id", "type": "uuid", "generated": true},
	"fields": [
		{"name": "id", "type": "uuid"},
		{"name": "kind", "type": "string"},
		{"name": "owner_id", "type": "string"},
		{"name": "secret", "type": "string", "access": {"read": {"or": [{"$currentUser.role": "admin"}, {"owner_id": "$currentUser.id"}]}}},
		{"name": "internal", "type": "string", "access": {"read": {"kind": "internal"}}},
		{"name": "audit", "type": "string", "access": {"read": {"$currentUser.role": "admin"}}}
	]
}`

func propertyGuard(t *testing.T) *Guard {
	t.Helper()
	var ticket metadata.Entity
	if err := json.Unmarshal([]byte(ticketDef), &ticket); err != nil {
		t.Fatalf("decode ticket: %v", err)
	}
	var employee metadata.Entity
	if err := json.Unmarshal([]byte(employeeDef), &employee); err != nil {
		t.Fatalf("decode employee: %v", err)
	}
	reg := metadata.NewRegistry()
	reg.Load([]*metadata.Entity{&ticket, &employee}, nil, nil)
	return NewGuard(reg, nil, nil)
}

// buildExpr derives an arbitrary condition tree from an integer seed.
func buildExpr(seed int64, depth int) metadata.Expr {
	if seed < 0 {
		seed = -seed
	}
	if depth <= 0 {
		switch seed % 6 {
		case 0:
			return metadata.BoolExpr(true)
		case 1:
			return metadata.BoolExpr(false)
		case 2:
			return metadata.MatchExpr{"status": "active"}
		case 3:
			return metadata.MatchExpr{"owner_id": "$currentUser.id"}
		case 4:
			return metadata.MatchExpr{"$currentUser.role": "admin", "count": seed % 7}
		default:
			return metadata.MatchExpr{"$unknown.path": "$params.ghost", "x": nil}
		}
	}
	switch seed % 5 {
	case 0:
		return metadata.OrExpr{buildExpr(seed/3, depth-1), buildExpr(seed/5+1, depth-1)}
	case 1:
		return metadata.AndExpr{buildExpr(seed/3, depth-1), buildExpr(seed/5+1, depth-1)}
	case 2:
		return metadata.OrExpr{}
	case 3:
		return metadata.AndExpr{}
	default:
		return metadata.AndExpr{buildExpr(seed/7, depth-1)}
	}
}

func buildContext(userSeed int, hasData bool) *EvalContext {
	ctx := &EvalContext{}
	switch userSeed % 3 {
	case 1:
		ctx.User = &metadata.UserContext{ID: fmt.Sprintf("u-%d", userSeed%5), Role: "user"}
	case 2:
		ctx.User = &metadata.UserContext{ID: fmt.Sprintf("u-%d", userSeed%5), Role: "admin"}
	}
	if hasData {
		ctx.Data = map[string]any{
			"status":   "active",
			"owner_id": fmt.Sprintf("u-%d", userSeed%4),
			"count":    int64(userSeed % 7),
			"x":        nil,
		}
	}
	return ctx
}

// Every condition tree evaluates to some boolean without panicking, and the
// result is deterministic.
func TestEvaluate_PropertyTotal(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("evaluation is total and deterministic", prop.ForAll(
		func(seed int64, depth int, userSeed int, hasData bool) bool {
			cond := buildExpr(seed, depth)
			ctx := buildContext(userSeed, hasData)

			defer func() {
				if r := recover(); r != nil {
					t.Errorf("Evaluate panicked on seed=%d depth=%d: %v", seed, depth, r)
				}
			}()

			first := Evaluate(cond, ctx)
			second := Evaluate(cond, ctx)
			return first == second
		},
		gen.Int64(),
		gen.IntRange(0, 4),
		gen.IntRange(0, 30),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// Filtering never introduces a key the record did not have and never alters
// a surviving value.
func TestFilterFields_PropertyNeverInvents(t *testing.T) {
	g := propertyGuard(t)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("filtered record is a sub-record", prop.ForAll(
		func(userSeed int, salary int, hasNotes bool, manager int, extraKeys bool) bool {
			record := map[string]any{
				"name":      fmt.Sprintf("emp-%d", userSeed),
				"salary":    salary,
				"managerId": fmt.Sprintf("u-%d", manager%5),
			}
			if hasNotes {
				record["privateNotes"] = "notes"
			}
			if extraKeys {
				record["undeclared"] = true
				record["alsoUndeclared"] = map[string]any{"deep": 1}
			}

			ctx := buildContext(userSeed, true)
			filtered := g.FilterFields(ctx.User, metadata.ActionRead, "employee", record)
			for k, v := range filtered {
				orig, ok := record[k]
				if !ok {
					return false
				}
				// Values must pass through untouched; comparing scalars is
				// enough since maps are not comparable.
				if _, isMap := v.(map[string]any); !isMap && orig != v {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 30),
		gen.IntRange(0, 1000000),
		gen.Bool(),
		gen.IntRange(0, 10),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// With gates that only reference session paths and declared ungated fields,
// one filter pass reaches a fixpoint.
func TestFilterFields_PropertyIdempotent(t *testing.T) {
	g := propertyGuard(t)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("second filter changes nothing", prop.ForAll(
		func(userSeed int, owner int, internal bool, hasSecret bool) bool {
			kind := "external"
			if internal {
				kind = "internal"
			}
			record := map[string]any{
				"id":       fmt.Sprintf("t-%d", owner),
				"kind":     kind,
				"owner_id": fmt.Sprintf("u-%d", owner%5),
				"internal": "i",
				"audit":    "a",
			}
			if hasSecret {
				record["secret"] = "s"
			}

			ctx := buildContext(userSeed, true)
			once := g.FilterFields(ctx.User, metadata.ActionRead, "ticket", record)
			twice := g.FilterFields(ctx.User, metadata.ActionRead, "ticket", once)

			if len(once) != len(twice) {
				return false
			}
			for k, v := range once {
				if twice[k] != v {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 30),
		gen.IntRange(0, 10),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
