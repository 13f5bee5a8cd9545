package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"tradegate/internal/domain"
	"tradegate/internal/metrics"
	"tradegate/internal/resilience"
	"tradegate/internal/store"
)

// Outcome is one channel's settled delivery result.
type Outcome struct {
	Channel domain.Channel
	Err     error
}

// Dispatcher fans an alert out across its target channels. Channels run
// concurrently, each behind its own circuit breaker and retry budget, and
// every attempt leaves a Notification row. A channel failing never blocks
// another channel, and no failure escalates past this package.
type Dispatcher struct {
	store    store.Store
	channels []Channel
	breakers map[domain.Channel]*resilience.Breaker
	retry    resilience.RetryConfig
	logger   *zap.Logger
}

func NewDispatcher(st store.Store, channels []Channel, breakers map[domain.Channel]*resilience.Breaker, retry resilience.RetryConfig, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:    st,
		channels: channels,
		breakers: breakers,
		retry:    retry,
		logger:   logger,
	}
}

// Dispatch delivers the alert and waits for every channel to settle.
// Order across channels is unspecified.
func (d *Dispatcher) Dispatch(ctx context.Context, alert domain.Alert) []Outcome {
	prefs, err := d.store.GetNotificationPrefs(ctx, alert.UserID)
	if err != nil {
		d.logger.Warn("notification prefs unavailable, using defaults",
			zap.String("user_id", alert.UserID), zap.Error(err))
		prefs = domain.NotificationPrefs{UserID: alert.UserID}
	}

	targets := make([]Channel, 0, len(d.channels))
	for _, ch := range d.channels {
		if !requested(alert.Channels, ch.Name()) {
			continue
		}
		if !ch.Available(prefs, alert.Severity) {
			continue
		}
		targets = append(targets, ch)
	}

	outcomes := make([]Outcome, len(targets))
	var wg sync.WaitGroup
	for i, ch := range targets {
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			outcomes[i] = Outcome{Channel: ch.Name(), Err: d.deliver(ctx, ch, alert, prefs)}
		}(i, ch)
	}
	wg.Wait()

	for _, o := range outcomes {
		d.record(ctx, alert, o)
	}
	return outcomes
}

// budgeted channels carry a per-destination delivery budget that must be
// claimed before any send attempt.
type budgeted interface {
	Reserve(prefs domain.NotificationPrefs) error
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, alert domain.Alert, prefs domain.NotificationPrefs) error {
	if b, ok := ch.(budgeted); ok {
		if err := b.Reserve(prefs); err != nil {
			return err
		}
	}

	send := func(ctx context.Context) error {
		return ch.Send(ctx, alert, prefs)
	}

	return resilience.Retry(ctx, d.retry, func(ctx context.Context) error {
		if breaker, ok := d.breakers[ch.Name()]; ok {
			return breaker.Do(ctx, send)
		}
		return send(ctx)
	})
}

func (d *Dispatcher) record(ctx context.Context, alert domain.Alert, o Outcome) {
	n := domain.Notification{
		UserID:  alert.UserID,
		Channel: o.Channel,
		Status:  domain.NotificationSent,
		Title:   alert.Title,
	}
	if o.Err != nil {
		n.Status = domain.NotificationFailed
		n.Error = o.Err.Error()
		d.logger.Warn("notification delivery failed",
			zap.String("channel", string(o.Channel)),
			zap.String("user_id", alert.UserID),
			zap.Error(o.Err),
		)
	}
	metrics.NotificationsSent.WithLabelValues(string(o.Channel), string(n.Status)).Inc()

	if _, err := d.store.RecordNotification(ctx, n); err != nil {
		d.logger.Error("failed to record notification attempt", zap.Error(err))
	}
}

func requested(channels []domain.Channel, name domain.Channel) bool {
	for _, c := range channels {
		if c == name {
			return true
		}
	}
	return false
}
