package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"tradegate/internal/apperr"
	"tradegate/internal/domain"
)

// EmailChannel delivers through a transactional-mail HTTP API.
type EmailChannel struct {
	apiURL string
	apiKey string
	from   string
	client *http.Client
}

func NewEmailChannel(apiURL, apiKey, from string, timeout time.Duration) *EmailChannel {
	return &EmailChannel{
		apiURL: apiURL,
		apiKey: apiKey,
		from:   from,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *EmailChannel) Name() domain.Channel { return domain.ChannelEmail }

func (c *EmailChannel) Available(prefs domain.NotificationPrefs, _ domain.Severity) bool {
	return c.apiURL != "" && prefs.EmailOptIn && prefs.Email != ""
}

func (c *EmailChannel) Send(ctx context.Context, alert domain.Alert, prefs domain.NotificationPrefs) error {
	body, err := json.Marshal(map[string]string{
		"from":    c.from,
		"to":      prefs.Email,
		"subject": alert.Title,
		"body":    alert.Message,
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
		return apperr.New(apperr.CategoryExternalService, "email provider", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.New(apperr.CategoryExternalService, fmt.Sprintf("email provider http %d", resp.StatusCode), nil)
	}
	return nil
}
