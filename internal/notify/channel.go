// Package notify fans an alert out across the user's enabled channels.
// Channels fail independently; every attempt is recorded whether or not it
// delivered.
package notify

import (
	"context"

	"tradegate/internal/domain"
)

// Channel is one delivery medium. Available gates on destination presence
// and per-channel policy; Send performs a single delivery attempt.
type Channel interface {
	Name() domain.Channel
	Available(prefs domain.NotificationPrefs, severity domain.Severity) bool
	Send(ctx context.Context, alert domain.Alert, prefs domain.NotificationPrefs) error
}

// ChannelsForSeverity maps an alert severity to its default target
// channels. SMS is reserved for major and critical alerts; the per-user
// opt-in in prefs can widen that.
func ChannelsForSeverity(severity domain.Severity) []domain.Channel {
	switch severity {
	case domain.SeverityCritical:
		return []domain.Channel{domain.ChannelEmail, domain.ChannelSMS, domain.ChannelInApp}
	case domain.SeverityMajor:
		return []domain.Channel{domain.ChannelEmail, domain.ChannelSMS, domain.ChannelInApp}
	case domain.SeverityMinor:
		return []domain.Channel{domain.ChannelEmail, domain.ChannelInApp}
	default:
		return []domain.Channel{domain.ChannelInApp}
	}
}
