package shares

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/chimera-pool/stratum-core/internal/notifications"
)

// DirectAdminNotifier implements AdminNotifier by sending straight to one
// configured channel/destination (e.g. the pool operator's Discord
// webhook), bypassing the per-user preference and rate-limiting
// machinery the teacher's NotificationService applies to miner-facing
// alerts — this is an operations page, not a per-user alert, and
// spec.md §6 gates it only on "clusterConfig.notifications.admin.enabled".
type DirectAdminNotifier struct {
	sender      notifications.NotificationSender
	destination string
	log         *logrus.Entry
}

func NewDirectAdminNotifier(sender notifications.NotificationSender, destination string, log *logrus.Entry) *DirectAdminNotifier {
	return &DirectAdminNotifier{sender: sender, destination: destination, log: log}
}

func (n *DirectAdminNotifier) NotifyFallbackActivated(ctx context.Context, recoveryFilePath string) {
	if n.sender == nil || !n.sender.IsAvailable() {
		n.log.Warn("admin notifier unavailable, fallback activation was not reported")
		return
	}
	alert := notifications.NewShareRecoveryFallbackAlert(recoveryFilePath)
	if err := n.sender.Send(ctx, alert, n.destination); err != nil {
		n.log.WithError(err).Error("failed to send admin fallback-activated notification")
	}
}
