// Package access decides, for every entity operation, whether a caller may
// perform it and which fields of a record the caller may see or modify.
// Every ambiguous situation (unknown entity, malformed rule, unresolved
// placeholder, failed record fetch) resolves to deny, never to an error.
package access

import "forge-backend/internal/metadata"

// EvalContext is the data a condition is evaluated against. Built fresh per
// call and discarded; never shared across requests.
type EvalContext struct {
	// User is the authenticated caller, or nil for anonymous requests.
	User *metadata.UserContext
	// Data is the record under evaluation. For creates this is the incoming
	// payload; for updates and deletes the stored record merged with the
	// payload.
	Data map[string]any
	// Params are route parameters, for the rare $params.* placeholder.
	Params map[string]any
}

// MergeRecord overlays payload onto the stored record. Payload keys win, so
// a condition on an immutable field like owner_id still resolves from the
// stored record when the payload omits it.
func MergeRecord(existing, payload map[string]any) map[string]any {
	if existing == nil && payload == nil {
		return nil
	}
	merged := make(map[string]any, len(existing)+len(payload))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range payload {
		merged[k] = v
	}
	return merged
}
