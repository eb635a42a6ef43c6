package metadata

import (
	"encoding/json"
	"testing"
)

func TestParseExpr_BooleanLiterals(t *testing.T) {
	e, err := ParseExpr([]byte(`true`))
	if err != nil {
		t.Fatalf("parse true: %v", err)
	}
	if b, ok := e.(BoolExpr); !ok || !bool(b) {
		t.Fatalf("expected BoolExpr(true), got %#v", e)
	}

	e, err = ParseExpr([]byte(`false`))
	if err != nil {
		t.Fatalf("parse false: %v", err)
	}
	if b, ok := e.(BoolExpr); !ok || bool(b) {
		t.Fatalf("expected BoolExpr(false), got %#v", e)
	}
}

func TestParseExpr_Match(t *testing.T) {
	e, err := ParseExpr([]byte(`{"owner_id": "$currentUser.id", "status": "active", "priority": 3}`))
	if err != nil {
		t.Fatalf("parse match: %v", err)
	}
	m, ok := e.(MatchExpr)
	if !ok {
		t.Fatalf("expected MatchExpr, got %#v", e)
	}
	if m["owner_id"] != "$currentUser.id" {
		t.Fatalf("expected placeholder value, got %v", m["owner_id"])
	}
	if m["status"] != "active" {
		t.Fatalf("expected status=active, got %v", m["status"])
	}
	if m["priority"] != float64(3) {
		t.Fatalf("expected priority=3, got %v", m["priority"])
	}
}

func TestParseExpr_PlaceholderKey(t *testing.T) {
	e, err := ParseExpr([]byte(`{"$currentUser.role": "admin"}`))
	if err != nil {
		t.Fatalf("parse placeholder key: %v", err)
	}
	m, ok := e.(MatchExpr)
	if !ok {
		t.Fatalf("expected MatchExpr, got %#v", e)
	}
	if m["$currentUser.role"] != "admin" {
		t.Fatalf("expected admin, got %v", m["$currentUser.role"])
	}
}

func TestParseExpr_OrAnd(t *testing.T) {
	e, err := ParseExpr([]byte(`{"or": [{"$currentUser.role": "admin"}, {"and": [{"status": "draft"}, {"owner_id": "$currentUser.id"}]}]}`))
	if err != nil {
		t.Fatalf("parse or: %v", err)
	}
	or, ok := e.(OrExpr)
	if !ok {
		t.Fatalf("expected OrExpr, got %#v", e)
	}
	if len(or) != 2 {
		t.Fatalf("expected 2 branches, got %d", len(or))
	}
	and, ok := or[1].(AndExpr)
	if !ok {
		t.Fatalf("expected AndExpr branch, got %#v", or[1])
	}
	if len(and) != 2 {
		t.Fatalf("expected 2 and terms, got %d", len(and))
	}
}

func TestParseExpr_EmptyCombinators(t *testing.T) {
	e, err := ParseExpr([]byte(`{"or": []}`))
	if err != nil {
		t.Fatalf("parse empty or: %v", err)
	}
	if or, ok := e.(OrExpr); !ok || len(or) != 0 {
		t.Fatalf("expected empty OrExpr, got %#v", e)
	}

	e, err = ParseExpr([]byte(`{"and": []}`))
	if err != nil {
		t.Fatalf("parse empty and: %v", err)
	}
	if and, ok := e.(AndExpr); !ok || len(and) != 0 {
		t.Fatalf("expected empty AndExpr, got %#v", e)
	}
}

func TestParseExpr_EmptyMatch(t *testing.T) {
	e, err := ParseExpr([]byte(`{}`))
	if err != nil {
		t.Fatalf("parse empty object: %v", err)
	}
	if m, ok := e.(MatchExpr); !ok || len(m) != 0 {
		t.Fatalf("expected empty MatchExpr, got %#v", e)
	}
}

func TestParseExpr_Malformed(t *testing.T) {
	cases := []string{
		`null`,
		`"admin"`,
		`42`,
		`["a", "b"]`,
		`{"or": [true], "status": "active"}`,
		`{"and": true}`,
		`{"nested": {"too": "deep"}}`,
		`{"list": [1, 2]}`,
		`{"or": ["loose string"]}`,
	}
	for _, raw := range cases {
		if _, err := ParseExpr([]byte(raw)); err == nil {
			t.Fatalf("expected parse error for %s", raw)
		}
	}
}

func TestCondition_MalformedDegradesToDeny(t *testing.T) {
	var c Condition
	if err := json.Unmarshal([]byte(`"not a condition"`), &c); err != nil {
		t.Fatalf("unmarshal should not fail: %v", err)
	}
	b, ok := c.Expr.(BoolExpr)
	if !ok || bool(b) {
		t.Fatalf("expected deny literal, got %#v", c.Expr)
	}
}

func TestCondition_MarshalRoundTrip(t *testing.T) {
	var c Condition
	if err := json.Unmarshal([]byte(`{"or": [true, {"owner_id": "$currentUser.id"}]}`), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	out, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Condition
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("unmarshal round trip: %v", err)
	}
	or, ok := back.Expr.(OrExpr)
	if !ok || len(or) != 2 {
		t.Fatalf("expected OrExpr with 2 branches after round trip, got %#v", back.Expr)
	}
}

func TestAccessRules_For(t *testing.T) {
	raw := `{
		"read": true,
		"update": {"owner_id": "$currentUser.id"},
		"delete": false
	}`
	var rules AccessRules
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		t.Fatalf("unmarshal access rules: %v", err)
	}

	if e, ok := rules.For(ActionRead); !ok {
		t.Fatal("expected read rule")
	} else if b, isBool := e.(BoolExpr); !isBool || !bool(b) {
		t.Fatalf("expected allow literal, got %#v", e)
	}

	if e, ok := rules.For(ActionUpdate); !ok {
		t.Fatal("expected update rule")
	} else if _, isMatch := e.(MatchExpr); !isMatch {
		t.Fatalf("expected MatchExpr, got %#v", e)
	}

	if e, ok := rules.For(ActionDelete); !ok {
		t.Fatal("expected delete rule")
	} else if b, isBool := e.(BoolExpr); !isBool || bool(b) {
		t.Fatalf("expected deny literal, got %#v", e)
	}

	if _, ok := rules.For(ActionCreate); ok {
		t.Fatal("expected no create rule")
	}
	if _, ok := rules.For(ActionWrite); ok {
		t.Fatal("write is not an entity action")
	}
}

func TestAccessRules_NilReceiver(t *testing.T) {
	var rules *AccessRules
	if _, ok := rules.For(ActionRead); ok {
		t.Fatal("nil rules should report no declared rule")
	}
}

func TestAccessRules_NullConditionIsAbsent(t *testing.T) {
	var rules AccessRules
	if err := json.Unmarshal([]byte(`{"read": null}`), &rules); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := rules.For(ActionRead); ok {
		t.Fatal("null condition should behave like an absent rule")
	}
}

func TestFieldAccess_WriteLocked(t *testing.T) {
	raw := `{"write": false}`
	var fa FieldAccess
	if err := json.Unmarshal([]byte(raw), &fa); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !fa.WriteLocked() {
		t.Fatal("write:false should mark the field system-managed")
	}

	var conditional FieldAccess
	if err := json.Unmarshal([]byte(`{"write": {"$currentUser.role": "admin"}}`), &conditional); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if conditional.WriteLocked() {
		t.Fatal("conditional write rule is not a lock")
	}

	var absent FieldAccess
	if absent.WriteLocked() {
		t.Fatal("absent write rule is not a lock")
	}
	var nilFA *FieldAccess
	if nilFA.WriteLocked() {
		t.Fatal("nil field access is not a lock")
	}
}

func TestEntity_AccessDecoding(t *testing.T) {
	raw := `{
		"name": "document",
		"table": "documents",
		"primary_key": {"field": "id", "type": "uuid", "generated": true},
		"access": {
			"read": {"or": [{"$currentUser.role": "admin"}, {"owner_id": "$currentUser.id"}]},
			"delete": {"$currentUser.role": "admin"}
		},
		"fields": [
			{"name": "id", "type": "uuid"},
			{"name": "title", "type": "string", "required": true},
			{"name": "owner_id", "type": "uuid", "access": {"write": false}},
			{"name": "salary", "type": "number", "access": {"read": {"$currentUser.role": "admin"}}}
		]
	}`
	var e Entity
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		t.Fatalf("unmarshal entity: %v", err)
	}

	if _, ok := e.AccessFor(ActionRead); !ok {
		t.Fatal("expected read rule on entity")
	}
	if _, ok := e.AccessFor(ActionCreate); ok {
		t.Fatal("expected no create rule on entity")
	}

	owner := e.GetField("owner_id")
	if owner == nil || owner.Access == nil {
		t.Fatal("expected access block on owner_id")
	}
	if !owner.Access.WriteLocked() {
		t.Fatal("owner_id should be write locked")
	}

	salary := e.GetField("salary")
	if salary == nil || salary.Access == nil {
		t.Fatal("expected access block on salary")
	}
	if _, ok := salary.Access.ForRead(); !ok {
		t.Fatal("expected read rule on salary")
	}
	if _, ok := salary.Access.ForWrite(); ok {
		t.Fatal("expected no write rule on salary")
	}

	title := e.GetField("title")
	if title.Access != nil {
		t.Fatal("title should have no access block")
	}
}

func TestEntity_AccessForWithoutBlock(t *testing.T) {
	e := Entity{Name: "note", Table: "notes"}
	if _, ok := e.AccessFor(ActionRead); ok {
		t.Fatal("entity without access block declares no rules")
	}
}
