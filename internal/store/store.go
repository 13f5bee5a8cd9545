package store

import (
	"context"
	"errors"
	"time"

	"tradegate/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned by CreateWebhookEvent when the idempotency
	// key already has an event. Callers treat it as a duplicate delivery.
	ErrDuplicate = errors.New("duplicate idempotency key")
)

// Store defines the persistence contract used by the webhook pipeline.
// Users, accounts, firms, rules, and notification preferences are owned by
// the account subsystem and read here; webhook events, trades, and
// notifications are written exclusively by this pipeline.
type Store interface {
	GetUser(ctx context.Context, userID string) (domain.User, error)
	GetUserByTokenHash(ctx context.Context, tokenHash string) (domain.User, error)
	SaveWebhookToken(ctx context.Context, userID, tokenHash string) error
	SetTokenEnabled(ctx context.Context, userID string, enabled bool) error

	GetAccount(ctx context.Context, userID string) (domain.Account, error)
	GetFirm(ctx context.Context, firmID string) (domain.Firm, error)
	ListActiveRules(ctx context.Context, userID string) ([]domain.Rule, error)

	CreateWebhookEvent(ctx context.Context, event domain.WebhookEvent) (domain.WebhookEvent, error)
	FindEventByIdempotencyKey(ctx context.Context, userID, key string) (domain.WebhookEvent, error)
	FinalizeWebhookEvent(ctx context.Context, eventID string, status domain.EventStatus, tradeID, violationNote string) error

	CreateTrade(ctx context.Context, trade domain.Trade) (domain.Trade, error)
	DailyRealizedPnL(ctx context.Context, userID string, day time.Time) (float64, error)
	OpenQuantity(ctx context.Context, userID, symbol string) (float64, error)

	GetNotificationPrefs(ctx context.Context, userID string) (domain.NotificationPrefs, error)
	RecordNotification(ctx context.Context, n domain.Notification) (domain.Notification, error)
	CreateInAppAlert(ctx context.Context, userID, title, message string, severity domain.Severity) error
}
