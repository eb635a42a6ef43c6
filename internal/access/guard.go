package access

import (
	"context"
	"fmt"
	"time"

	"forge-backend/internal/metadata"
)

// RecordSource fetches the stored record for update/delete checks. The store
// satisfies this; tests substitute fakes.
type RecordSource interface {
	FindByID(ctx context.Context, entity *metadata.Entity, id any) (map[string]any, error)
}

// Decision is one access verdict, handed to the Recorder for the audit trail.
// Elapsed covers the whole check including the record fetch on update and
// delete, so slow checks point at slow fetches.
type Decision struct {
	At       time.Time
	Entity   string
	Action   string
	UserID   string
	RecordID string
	Allowed  bool
	Reason   string
	Elapsed  time.Duration
}

// Decision reasons.
const (
	ReasonUnknownEntity = "unknown_entity"
	ReasonUnknownAction = "unknown_action"
	ReasonDefaultAllow  = "default_allow"
	ReasonFetchFailed   = "fetch_failed"
	ReasonRuleAllowed   = "rule_allowed"
	ReasonRuleDenied    = "rule_denied"
)

// Recorder receives decisions. Implementations must not block; the guard
// calls Record inline on the request path.
type Recorder interface {
	Record(d Decision)
}

// Guard is the access facade: it composes the registry's policy lookup with
// the condition evaluator and owns every default and fail-closed decision.
// None of its operations returns an error; "could not determine" and
// "denied" are deliberately the same outcome.
type Guard struct {
	reg     *metadata.Registry
	records RecordSource
	audit   Recorder
}

// NewGuard wires the facade. records may be nil, in which case every
// update/delete check that needs the stored record denies. audit may be nil
// to disable decision recording.
func NewGuard(reg *metadata.Registry, records RecordSource, audit Recorder) *Guard {
	return &Guard{reg: reg, records: records, audit: audit}
}

// CheckAccess decides whether user may perform action on the named entity.
// data is the payload (create) or the incoming changes (update); for update
// and delete with a recordID the stored record is fetched and merged under
// the payload before evaluation. A rule that is absent allows: the schema
// convention is to write rules only to restrict. Everything else that goes
// wrong denies: unknown entity, unknown action, and any record fetch
// failure, including not-found and context cancellation, so a caller can
// never distinguish "denied" from "does not exist".
func (g *Guard) CheckAccess(ctx context.Context, user *metadata.UserContext, action metadata.Action, entityName string, data map[string]any, recordID any, params map[string]any) bool {
	start := time.Now()
	allowed, reason := g.decide(ctx, user, action, entityName, data, recordID, params)
	g.record(user, action, entityName, recordID, allowed, reason, time.Since(start))
	return allowed
}

func (g *Guard) decide(ctx context.Context, user *metadata.UserContext, action metadata.Action, entityName string, data map[string]any, recordID any, params map[string]any) (bool, string) {
	entity := g.reg.GetEntity(entityName)
	if entity == nil {
		return false, ReasonUnknownEntity
	}

	switch action {
	case metadata.ActionRead, metadata.ActionCreate, metadata.ActionUpdate, metadata.ActionDelete:
	default:
		return false, ReasonUnknownAction
	}

	expr, declared := entity.AccessFor(action)
	if !declared {
		return true, ReasonDefaultAllow
	}

	evalData := data
	if recordID != nil && (action == metadata.ActionUpdate || action == metadata.ActionDelete) {
		if g.records == nil {
			return false, ReasonFetchFailed
		}
		existing, err := g.records.FindByID(ctx, entity, recordID)
		if err != nil {
			return false, ReasonFetchFailed
		}
		evalData = MergeRecord(existing, data)
	}

	if Evaluate(expr, &EvalContext{User: user, Data: evalData, Params: params}) {
		return true, ReasonRuleAllowed
	}
	return false, ReasonRuleDenied
}

// AccessibleFields returns the set of the entity's fields the user may read
// or write. Create and update map to the shared write axis. A field with no
// declared rule for the axis is included; a field whose write rule is the
// literal false is system-managed and never writable. data is the record the
// conditions are checked against; with data == nil only session-dependent
// conditions can grant.
func (g *Guard) AccessibleFields(user *metadata.UserContext, action metadata.Action, entityName string, data map[string]any) map[string]struct{} {
	out := make(map[string]struct{})
	entity := g.reg.GetEntity(entityName)
	if entity == nil {
		return out
	}

	axis := action
	if action == metadata.ActionCreate || action == metadata.ActionUpdate {
		axis = metadata.ActionWrite
	}
	if axis != metadata.ActionRead && axis != metadata.ActionWrite {
		return out
	}

	ectx := &EvalContext{User: user, Data: data}
	for i := range entity.Fields {
		if fieldAccessible(&entity.Fields[i], axis, ectx) {
			out[entity.Fields[i].Name] = struct{}{}
		}
	}
	return out
}

func fieldAccessible(f *metadata.Field, axis metadata.Action, ectx *EvalContext) bool {
	if f.Access == nil {
		return true
	}
	if axis == metadata.ActionRead {
		expr, declared := f.Access.ForRead()
		if !declared {
			return true
		}
		return Evaluate(expr, ectx)
	}
	if f.Access.WriteLocked() {
		return false
	}
	expr, declared := f.Access.ForWrite()
	if !declared {
		return true
	}
	return Evaluate(expr, ectx)
}

// FilterFields returns a new record holding only the keys the user may see
// (or write, for the write actions). Values are untouched; inaccessible keys
// are omitted, never nulled, so absence is indistinguishable from "was never
// present". Conditions are evaluated against the record itself, so
// ownership-style field rules work per record.
func (g *Guard) FilterFields(user *metadata.UserContext, action metadata.Action, entityName string, record map[string]any) map[string]any {
	if record == nil {
		return nil
	}
	allowed := g.AccessibleFields(user, action, entityName, record)
	out := make(map[string]any, len(allowed))
	for k, v := range record {
		if _, ok := allowed[k]; ok {
			out[k] = v
		}
	}
	return out
}

// FilterFieldsArray applies FilterFields to every element independently.
func (g *Guard) FilterFieldsArray(user *metadata.UserContext, action metadata.Action, entityName string, records []map[string]any) []map[string]any {
	if records == nil {
		return nil
	}
	out := make([]map[string]any, len(records))
	for i, r := range records {
		out[i] = g.FilterFields(user, action, entityName, r)
	}
	return out
}

func (g *Guard) record(user *metadata.UserContext, action metadata.Action, entityName string, recordID any, allowed bool, reason string, elapsed time.Duration) {
	if g.audit == nil {
		return
	}
	d := Decision{
		At:      time.Now(),
		Entity:  entityName,
		Action:  string(action),
		Allowed: allowed,
		Reason:  reason,
		Elapsed: elapsed,
	}
	if user != nil {
		d.UserID = user.ID
	}
	if recordID != nil {
		d.RecordID = fmt.Sprint(recordID)
	}
	g.audit.Record(d)
}
