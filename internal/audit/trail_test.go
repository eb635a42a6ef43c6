package audit

import (
	"testing"
	"time"

	"forge-backend/internal/access"
)

func TestTrailRecord_KeepsDenialsDropsAllows(t *testing.T) {
	tr := &Trail{maxSize: 10}

	tr.Record(access.Decision{At: time.Now(), Entity: "document", Allowed: true, Reason: access.ReasonRuleAllowed})
	tr.Record(access.Decision{At: time.Now(), Entity: "document", Allowed: false, Reason: access.ReasonRuleDenied})

	if len(tr.pending) != 1 {
		t.Fatalf("expected only the denial buffered, got %d entries", len(tr.pending))
	}
	if tr.pending[0].Allowed {
		t.Fatal("buffered entry should be the denial")
	}

	tr.logAllows = true
	tr.Record(access.Decision{At: time.Now(), Entity: "document", Allowed: true, Reason: access.ReasonRuleAllowed})
	if len(tr.pending) != 2 {
		t.Fatalf("with LogAllows set, allows should be buffered too, got %d entries", len(tr.pending))
	}
}
