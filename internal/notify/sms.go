package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"tradegate/internal/apperr"
	"tradegate/internal/domain"
)

// ErrSMSRateLimited is returned when a destination has exhausted its
// rolling-hour SMS budget. The attempt is still recorded as failed.
var ErrSMSRateLimited = errors.New("sms rate limit reached for destination")

// SMSChannel delivers through an SMS HTTP API. Delivery is gated to major
// and critical alerts unless the user opted into all severities, and each
// destination is capped to perHour messages per rolling hour.
type SMSChannel struct {
	apiURL  string
	apiKey  string
	from    string
	perHour int
	client  *http.Client

	mu   sync.Mutex
	sent map[string][]time.Time
}

func NewSMSChannel(apiURL, apiKey, from string, perHour int, timeout time.Duration) *SMSChannel {
	if perHour <= 0 {
		perHour = 5
	}
	return &SMSChannel{
		apiURL:  apiURL,
		apiKey:  apiKey,
		from:    from,
		perHour: perHour,
		client:  &http.Client{Timeout: timeout},
		sent:    make(map[string][]time.Time),
	}
}

func (c *SMSChannel) Name() domain.Channel { return domain.ChannelSMS }

func (c *SMSChannel) Available(prefs domain.NotificationPrefs, severity domain.Severity) bool {
	if c.apiURL == "" || !prefs.SMSOptIn || prefs.PhoneNumber == "" {
		return false
	}
	if severity == domain.SeverityMajor || severity == domain.SeverityCritical {
		return true
	}
	return prefs.SMSAllSeverities
}

// Reserve claims one message against the destination's rolling-hour budget.
// It runs before the breaker and retry wrapping so an exhausted budget never
// counts as a provider failure, and one dispatch consumes one reservation no
// matter how many attempts follow.
func (c *SMSChannel) Reserve(prefs domain.NotificationPrefs) error {
	if !c.reserve(prefs.PhoneNumber) {
		return ErrSMSRateLimited
	}
	return nil
}

func (c *SMSChannel) Send(ctx context.Context, alert domain.Alert, prefs domain.NotificationPrefs) error {
	body, err := json.Marshal(map[string]string{
		"from":    c.from,
		"to":      prefs.PhoneNumber,
		"message": alert.Title + ": " + alert.Message,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return apperr.New(apperr.CategoryExternalService, "sms provider", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.New(apperr.CategoryExternalService, fmt.Sprintf("sms provider http %d", resp.StatusCode), nil)
	}
	return nil
}

// reserve records an attempt against the destination's rolling-hour window
// and reports whether the budget allowed it.
func (c *SMSChannel) reserve(destination string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-time.Hour)
	recent := c.sent[destination][:0]
	for _, ts := range c.sent[destination] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	if len(recent) >= c.perHour {
		c.sent[destination] = recent
		return false
	}
	c.sent[destination] = append(recent, time.Now())
	return true
}
