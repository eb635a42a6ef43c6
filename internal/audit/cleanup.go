package audit

import (
	"context"
	"fmt"
	"log"
	"time"

	"forge-backend/internal/store"
)

// CleanupOldDecisions deletes audit entries older than retentionDays.
func CleanupOldDecisions(ctx context.Context, s *store.Store, retentionDays int) {
	pb := s.Dialect.NewParamBuilder()
	whereExpr := s.Dialect.IntervalDeleteExpr("created_at", pb, fmt.Sprintf("%d", retentionDays))
	sqlStr := fmt.Sprintf("DELETE FROM _audit_log WHERE %s", whereExpr)
	deleted, err := store.Exec(ctx, s.DB, sqlStr, pb.Params()...)
	if err != nil {
		log.Printf("ERROR: audit cleanup: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("Audit cleanup: deleted %d old entries", deleted)
	}
}

// RunCleanupLoop runs CleanupOldDecisions once at startup and then daily
// until the context is cancelled.
func RunCleanupLoop(ctx context.Context, s *store.Store, retentionDays int) {
	CleanupOldDecisions(ctx, s, retentionDays)
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			CleanupOldDecisions(ctx, s, retentionDays)
		}
	}
}
