package notify

import (
	"context"

	"tradegate/internal/domain"
	"tradegate/internal/store"
)

// InAppChannel persists the alert for the dashboard to read. Always
// available: there is no destination to be missing.
type InAppChannel struct {
	store store.Store
}

func NewInAppChannel(st store.Store) *InAppChannel {
	return &InAppChannel{store: st}
}

func (c *InAppChannel) Name() domain.Channel { return domain.ChannelInApp }

func (c *InAppChannel) Available(domain.NotificationPrefs, domain.Severity) bool { return true }

func (c *InAppChannel) Send(ctx context.Context, alert domain.Alert, _ domain.NotificationPrefs) error {
	return c.store.CreateInAppAlert(ctx, alert.UserID, alert.Title, alert.Message, alert.Severity)
}
