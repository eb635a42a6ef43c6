package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"forge-backend/internal/metadata"
)

const documentDef = `{
	"name": "document",
	"table": "documents",
	"primary_key": {"field": "id", "type": "uuid", "generated": true},
	"access": {
		"read": {"or": [{"$currentUser.role": "admin"}, {"owner_id": "$currentUser.id"}]},
		"create": true,
		"update": {"owner_id": "$currentUser.id"},
		"delete": {"$currentUser.role": "admin"}
	},
	"fields": [
		{"name": "id", "type": "uuid"},
		{"name": "title", "type": "string", "required": true},
		{"name": "status", "type": "string", "access": {"write": {"$currentUser.role": "admin"}}},
		{"name": "owner_id", "type": "uuid", "access": {"write": false}}
	]
}`

const employeeDef = `{
	"name": "employee",
	"table": "employees",
	"primary_key": {"field": "id", "type": "uuid", "generated": true},
	"fields": [
		{"name": "name", "type": "string"},
		{"name": "salary", "type": "number", "access": {"read": {"$currentUser.role": "admin"}}},
		{"name": "privateNotes", "type": "string", "access": {"read": {"or": [{"managerId": "$currentUser.id"}, {"$currentUser.role": "admin"}]}}}
	]
}`

const noteDef = `{
	"name": "note",
	"table": "notes",
	"primary_key": {"field": "id", "type": "uuid", "generated": true},
	"fields": [
		{"name": "id", "type": "uuid"},
		{"name": "body", "type": "string"}
	]
}`

func guardRegistry(t *testing.T) *metadata.Registry {
	t.Helper()
	var entities []*metadata.Entity
	for _, def := range []string{documentDef, employeeDef, noteDef} {
		var e metadata.Entity
		if err := json.Unmarshal([]byte(def), &e); err != nil {
			t.Fatalf("decode entity: %v", err)
		}
		entities = append(entities, &e)
	}
	reg := metadata.NewRegistry()
	reg.Load(entities, nil, nil)
	return reg
}

type fakeRecords struct {
	rows map[string]map[string]any
	err  error
}

func (f *fakeRecords) FindByID(_ context.Context, _ *metadata.Entity, id any) (map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	row, ok := f.rows[fmt.Sprint(id)]
	if !ok {
		return nil, errors.New("record not found")
	}
	return row, nil
}

type captureRecorder struct {
	decisions []Decision
}

func (c *captureRecorder) Record(d Decision) {
	c.decisions = append(c.decisions, d)
}

func adminUser() *metadata.UserContext {
	return &metadata.UserContext{ID: "a-1", Role: "admin"}
}

func plainUser(id string) *metadata.UserContext {
	return &metadata.UserContext{ID: id, Role: "user"}
}

func TestGuard_CheckAccessUnknownEntity(t *testing.T) {
	g := NewGuard(guardRegistry(t), nil, nil)
	if g.CheckAccess(context.Background(), adminUser(), metadata.ActionRead, "ghost", nil, nil, nil) {
		t.Fatal("unknown entity must deny, even for admins")
	}
}

func TestGuard_CheckAccessUnknownAction(t *testing.T) {
	g := NewGuard(guardRegistry(t), nil, nil)
	if g.CheckAccess(context.Background(), adminUser(), metadata.Action("frobnicate"), "note", nil, nil, nil) {
		t.Fatal("unknown action must deny")
	}
	if g.CheckAccess(context.Background(), adminUser(), metadata.ActionWrite, "note", nil, nil, nil) {
		t.Fatal("write is a field axis, not an entity action")
	}
}

func TestGuard_CheckAccessDefaultAllow(t *testing.T) {
	// A failing record source proves no fetch happens when no rule is
	// declared: the default applies before the existence check, and a
	// missing record surfaces later as a plain 404 from the engine.
	g := NewGuard(guardRegistry(t), &fakeRecords{err: errors.New("down")}, nil)

	if !g.CheckAccess(context.Background(), nil, metadata.ActionRead, "note", nil, nil, nil) {
		t.Fatal("entity without rules must default to allow, even anonymously")
	}
	if !g.CheckAccess(context.Background(), plainUser("u-1"), metadata.ActionUpdate, "employee", map[string]any{"name": "x"}, "e-1", nil) {
		t.Fatal("absent update rule must allow without fetching")
	}
	if !g.CheckAccess(context.Background(), plainUser("u-1"), metadata.ActionCreate, "employee", map[string]any{"name": "x"}, nil, nil) {
		t.Fatal("absent create rule must allow")
	}
}

func TestGuard_CheckAccessRead(t *testing.T) {
	g := NewGuard(guardRegistry(t), nil, nil)
	record := map[string]any{"id": "d-1", "owner_id": "u-1", "title": "T"}

	if !g.CheckAccess(context.Background(), adminUser(), metadata.ActionRead, "document", record, nil, nil) {
		t.Fatal("admin should read any document")
	}
	if !g.CheckAccess(context.Background(), plainUser("u-1"), metadata.ActionRead, "document", record, nil, nil) {
		t.Fatal("owner should read their document")
	}
	if g.CheckAccess(context.Background(), plainUser("u-2"), metadata.ActionRead, "document", record, nil, nil) {
		t.Fatal("stranger should not read the document")
	}
	if g.CheckAccess(context.Background(), nil, metadata.ActionRead, "document", record, nil, nil) {
		t.Fatal("anonymous should not read the document")
	}
}

func TestGuard_UpdateMergesStoredRecord(t *testing.T) {
	records := &fakeRecords{rows: map[string]map[string]any{
		"d-1": {"id": "d-1", "owner_id": "u-1", "title": "old"},
	}}
	g := NewGuard(guardRegistry(t), records, nil)

	// Payload omits owner_id; the stored record must supply it.
	payload := map[string]any{"title": "new"}
	if !g.CheckAccess(context.Background(), plainUser("u-1"), metadata.ActionUpdate, "document", payload, "d-1", nil) {
		t.Fatal("owner update should pass via the stored owner_id")
	}
	if g.CheckAccess(context.Background(), plainUser("u-2"), metadata.ActionUpdate, "document", payload, "d-1", nil) {
		t.Fatal("non-owner update should be denied")
	}
}

func TestGuard_CheckAccessFetchFailure(t *testing.T) {
	reg := guardRegistry(t)
	record := map[string]any{"id": "d-1", "owner_id": "u-1"}

	// I/O failure denies even when the declared condition would allow.
	g := NewGuard(reg, &fakeRecords{err: errors.New("connection refused")}, nil)
	if g.CheckAccess(context.Background(), adminUser(), metadata.ActionDelete, "document", nil, "d-1", nil) {
		t.Fatal("fetch failure must deny, regardless of the condition")
	}

	// Not-found is indistinguishable from denied.
	g = NewGuard(reg, &fakeRecords{rows: map[string]map[string]any{}}, nil)
	if g.CheckAccess(context.Background(), adminUser(), metadata.ActionDelete, "document", nil, "missing", nil) {
		t.Fatal("missing record must deny")
	}

	// Cancellation is just another fetch failure.
	g = NewGuard(reg, &fakeRecords{err: context.Canceled}, nil)
	if g.CheckAccess(context.Background(), adminUser(), metadata.ActionDelete, "document", nil, "d-1", nil) {
		t.Fatal("cancelled fetch must deny")
	}

	// No record source wired at all.
	g = NewGuard(reg, nil, nil)
	if g.CheckAccess(context.Background(), adminUser(), metadata.ActionDelete, "document", nil, "d-1", nil) {
		t.Fatal("missing record source must deny")
	}

	// The same admin with a working source is allowed.
	g = NewGuard(reg, &fakeRecords{rows: map[string]map[string]any{"d-1": record}}, nil)
	if !g.CheckAccess(context.Background(), adminUser(), metadata.ActionDelete, "document", nil, "d-1", nil) {
		t.Fatal("admin delete with a healthy source should pass")
	}
}

func TestGuard_AccessibleFieldsRead(t *testing.T) {
	g := NewGuard(guardRegistry(t), nil, nil)

	// No record data: only session-dependent conditions can grant.
	fields := g.AccessibleFields(plainUser("456"), metadata.ActionRead, "employee", nil)
	if _, ok := fields["name"]; !ok {
		t.Fatal("ungated field should be readable")
	}
	if _, ok := fields["salary"]; ok {
		t.Fatal("salary should be hidden from non-admins")
	}
	if _, ok := fields["privateNotes"]; ok {
		t.Fatal("privateNotes needs record data or admin role")
	}

	fields = g.AccessibleFields(adminUser(), metadata.ActionRead, "employee", nil)
	for _, name := range []string{"name", "salary", "privateNotes"} {
		if _, ok := fields[name]; !ok {
			t.Fatalf("admin should see %s", name)
		}
	}
}

func TestGuard_AccessibleFieldsWriteAxis(t *testing.T) {
	g := NewGuard(guardRegistry(t), nil, nil)

	for _, action := range []metadata.Action{metadata.ActionCreate, metadata.ActionUpdate} {
		userFields := g.AccessibleFields(plainUser("u-1"), action, "document", nil)
		if _, ok := userFields["title"]; !ok {
			t.Fatalf("%s: ungated field should be writable", action)
		}
		if _, ok := userFields["status"]; ok {
			t.Fatalf("%s: status is admin-writable only", action)
		}
		if _, ok := userFields["owner_id"]; ok {
			t.Fatalf("%s: write-locked field must never be writable", action)
		}

		adminFields := g.AccessibleFields(adminUser(), action, "document", nil)
		if _, ok := adminFields["status"]; !ok {
			t.Fatalf("%s: admin should write status", action)
		}
		if _, ok := adminFields["owner_id"]; ok {
			t.Fatalf("%s: write lock binds admins too", action)
		}
	}
}

func TestGuard_AccessibleFieldsUnknownEntity(t *testing.T) {
	g := NewGuard(guardRegistry(t), nil, nil)
	if got := g.AccessibleFields(adminUser(), metadata.ActionRead, "ghost", nil); len(got) != 0 {
		t.Fatalf("unknown entity must expose nothing, got %v", got)
	}
}

func TestGuard_FilterFieldsEmployeeScenario(t *testing.T) {
	g := NewGuard(guardRegistry(t), nil, nil)
	record := map[string]any{
		"name":         "John",
		"salary":       100000,
		"privateNotes": "x",
		"managerId":    "mgr123",
	}

	// Plain user who is not the manager: name only. managerId is not a
	// declared field, so it is dropped with everything else.
	got := g.FilterFields(plainUser("456"), metadata.ActionRead, "employee", record)
	if len(got) != 1 || got["name"] != "John" {
		t.Fatalf("expected {name: John}, got %v", got)
	}

	// The manager, by ownership match rather than role.
	got = g.FilterFields(plainUser("mgr123"), metadata.ActionRead, "employee", record)
	if len(got) != 2 || got["name"] != "John" || got["privateNotes"] != "x" {
		t.Fatalf("expected name and privateNotes, got %v", got)
	}
	if _, ok := got["salary"]; ok {
		t.Fatal("manager without admin role must not see salary")
	}

	// Admin sees all three declared fields.
	admin := &metadata.UserContext{ID: "mgr123", Role: "admin"}
	got = g.FilterFields(admin, metadata.ActionRead, "employee", record)
	if len(got) != 3 {
		t.Fatalf("expected 3 fields for admin, got %v", got)
	}
	if got["salary"] != 100000 {
		t.Fatalf("values must pass through untouched, got %v", got["salary"])
	}
}

func TestGuard_FilterFieldsIdempotent(t *testing.T) {
	g := NewGuard(guardRegistry(t), nil, nil)

	docRecord := map[string]any{"id": "d-1", "title": "T", "status": "open", "owner_id": "u-1", "stray": "x"}
	empRecord := map[string]any{
		"name":         "John",
		"salary":       100000,
		"privateNotes": "x",
		"managerId":    "mgr123",
	}

	check := func(user *metadata.UserContext, entity string, record map[string]any) {
		t.Helper()
		once := g.FilterFields(user, metadata.ActionRead, entity, record)
		twice := g.FilterFields(user, metadata.ActionRead, entity, once)
		if len(once) != len(twice) {
			t.Fatalf("filter not idempotent for %s: %v vs %v", entity, once, twice)
		}
		for k, v := range once {
			if twice[k] != v {
				t.Fatalf("filter not idempotent at %s.%s: %v vs %v", entity, k, v, twice[k])
			}
		}
	}

	for _, user := range []*metadata.UserContext{nil, plainUser("456"), plainUser("u-1"), adminUser()} {
		check(user, "document", docRecord)
	}
	// The manager grant on privateNotes reads managerId, which is not a
	// declared field and does not survive filtering, so the manager case is
	// exercised in the scenario test instead.
	for _, user := range []*metadata.UserContext{nil, plainUser("456"), adminUser()} {
		check(user, "employee", empRecord)
	}
}

func TestGuard_FilterFieldsNilRecord(t *testing.T) {
	g := NewGuard(guardRegistry(t), nil, nil)
	if got := g.FilterFields(adminUser(), metadata.ActionRead, "employee", nil); got != nil {
		t.Fatalf("nil record should stay nil, got %v", got)
	}
}

func TestGuard_FilterFieldsArrayIndependent(t *testing.T) {
	g := NewGuard(guardRegistry(t), nil, nil)
	records := []map[string]any{
		{"name": "John", "privateNotes": "x", "managerId": "mgr123"},
		{"name": "Jane", "privateNotes": "y", "managerId": "mgr999"},
	}

	got := g.FilterFieldsArray(plainUser("mgr123"), metadata.ActionRead, "employee", records)
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0]["privateNotes"] != "x" {
		t.Fatal("manager should see notes on their own report")
	}
	if _, ok := got[1]["privateNotes"]; ok {
		t.Fatal("manager must not see notes on someone else's report")
	}
	if got[1]["name"] != "Jane" {
		t.Fatal("ungated fields survive per element")
	}

	if got := g.FilterFieldsArray(adminUser(), metadata.ActionRead, "employee", nil); got != nil {
		t.Fatal("nil slice should stay nil")
	}
}

func TestGuard_RecorderSeesDecisions(t *testing.T) {
	rec := &captureRecorder{}
	g := NewGuard(guardRegistry(t), &fakeRecords{err: errors.New("down")}, rec)
	record := map[string]any{"owner_id": "u-1"}

	g.CheckAccess(context.Background(), adminUser(), metadata.ActionRead, "ghost", nil, nil, nil)
	g.CheckAccess(context.Background(), nil, metadata.ActionRead, "note", nil, nil, nil)
	g.CheckAccess(context.Background(), plainUser("u-2"), metadata.ActionRead, "document", record, nil, nil)
	g.CheckAccess(context.Background(), plainUser("u-1"), metadata.ActionRead, "document", record, nil, nil)
	g.CheckAccess(context.Background(), adminUser(), metadata.ActionDelete, "document", nil, "d-1", nil)

	wantReasons := []string{
		ReasonUnknownEntity,
		ReasonDefaultAllow,
		ReasonRuleDenied,
		ReasonRuleAllowed,
		ReasonFetchFailed,
	}
	if len(rec.decisions) != len(wantReasons) {
		t.Fatalf("expected %d decisions, got %d", len(wantReasons), len(rec.decisions))
	}
	for i, want := range wantReasons {
		d := rec.decisions[i]
		if d.Reason != want {
			t.Fatalf("decision %d: expected reason %s, got %s", i, want, d.Reason)
		}
		if d.At.IsZero() {
			t.Fatalf("decision %d: timestamp not set", i)
		}
	}
	if rec.decisions[2].Allowed || !rec.decisions[3].Allowed {
		t.Fatal("allowed flags do not match outcomes")
	}
	if rec.decisions[3].UserID != "u-1" {
		t.Fatalf("expected user id on decision, got %q", rec.decisions[3].UserID)
	}
	if rec.decisions[4].RecordID != "d-1" {
		t.Fatalf("expected record id on decision, got %q", rec.decisions[4].RecordID)
	}
}

func TestMergeRecord(t *testing.T) {
	existing := map[string]any{"id": "d-1", "owner_id": "u-1", "title": "old"}
	payload := map[string]any{"title": "new"}

	merged := MergeRecord(existing, payload)
	if merged["title"] != "new" {
		t.Fatal("payload must win on conflicts")
	}
	if merged["owner_id"] != "u-1" {
		t.Fatal("stored fields must survive when the payload omits them")
	}
	if existing["title"] != "old" {
		t.Fatal("inputs must not be mutated")
	}

	if MergeRecord(nil, nil) != nil {
		t.Fatal("two nil maps merge to nil")
	}
	if got := MergeRecord(nil, payload); got["title"] != "new" {
		t.Fatalf("nil existing should still take the payload, got %v", got)
	}
}
