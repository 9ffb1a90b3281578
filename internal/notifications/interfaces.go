package notifications

import (
	"context"
	"time"
)

// =============================================================================
// NOTIFICATION INTERFACES (ISP - Interface Segregation Principle)
// =============================================================================

// AlertType represents different types of alerts
type AlertType string

const (
	AlertTypeWorkerOffline  AlertType = "worker_offline"
	AlertTypeWorkerOnline   AlertType = "worker_online"
	AlertTypeHashrateDrop   AlertType = "hashrate_drop"
	AlertTypeBlockFound     AlertType = "block_found"
	AlertTypePayoutSent     AlertType = "payout_sent"
	AlertTypePayoutFailed   AlertType = "payout_failed"
	AlertTypeLowBalance     AlertType = "low_balance"
	AlertTypePoolDown       AlertType = "pool_down"
	AlertTypeHighRejectRate AlertType = "high_reject_rate"
)

// AlertSeverity represents alert severity levels
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// NotificationChannel represents delivery channels
type NotificationChannel string

const (
	ChannelEmail   NotificationChannel = "email"
	ChannelDiscord NotificationChannel = "discord"
	ChannelSMS     NotificationChannel = "sms"
	ChannelWebhook NotificationChannel = "webhook"
)

// =============================================================================
// CORE INTERFACES
// =============================================================================

// Alert represents an alert to be sent
type Alert struct {
	ID         string            `json:"id"`
	Type       AlertType         `json:"type"`
	Severity   AlertSeverity     `json:"severity"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	UserID     int64             `json:"user_id,omitempty"`
	WorkerID   int64             `json:"worker_id,omitempty"`
	WorkerName string            `json:"worker_name,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
	IsResolved bool              `json:"is_resolved"`
}

// NotificationSender sends notifications through a specific channel (ISP).
// DirectAdminNotifier (internal/shares/admin_notifier.go) is this core's
// only consumer; DiscordWebhookSender is the only production
// implementation, since this core's one alert (recovery-file fallback)
// goes out over Discord.
type NotificationSender interface {
	Channel() NotificationChannel
	Send(ctx context.Context, alert *Alert, destination string) error
	SendBatch(ctx context.Context, alerts []*Alert, destination string) error
	IsAvailable() bool
}
