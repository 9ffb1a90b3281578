package notifications

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ALERT FACTORY
// =============================================================================

// NewShareRecoveryFallbackAlert creates the one-shot admin alert fired
// when the share-statistic recorder's fault policy first diverts a
// batch to the on-disk recovery file. This is the only alert this core
// actually raises (spec.md §6's admin-notification gate); the teacher's
// worker/payout/hashrate/balance alert catalogue and the
// NotificationService that dispatched them belonged to account features
// this core doesn't implement and have been dropped rather than carried
// unexercised — see DESIGN.md.
func NewShareRecoveryFallbackAlert(recoveryFilePath string) *Alert {
	return &Alert{
		ID:       uuid.New().String(),
		Type:     AlertTypePoolDown,
		Severity: SeverityCritical,
		Title:    "Share statistics falling back to recovery file",
		Message:  fmt.Sprintf("The share statistic database is unreachable; shares are being appended to %s and must be replayed once the database recovers.", recoveryFilePath),
		Metadata: map[string]string{
			"recovery_file": recoveryFilePath,
		},
		CreatedAt: time.Now(),
	}
}
