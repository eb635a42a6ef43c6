package audit

import "forge-backend/internal/access"

// NopRecorder discards all decisions. Used when the audit trail is disabled.
type NopRecorder struct{}

func (NopRecorder) Record(access.Decision) {}

var _ access.Recorder = NopRecorder{}
