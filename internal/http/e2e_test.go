package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"tradegate/internal/cache"
	"tradegate/internal/config"
	"tradegate/internal/domain"
	"tradegate/internal/notify"
	"tradegate/internal/ratelimit"
	"tradegate/internal/resilience"
	"tradegate/internal/security/signature"
	"tradegate/internal/service/compliance"
	"tradegate/internal/service/idempotency"
	"tradegate/internal/service/parser"
	"tradegate/internal/service/token"
	storepkg "tradegate/internal/store"
	"tradegate/internal/store/memory"
)

func testConfig() config.Config {
	return config.Config{
		PublicURL:               "http://localhost:18090",
		JWTSecret:               "jwt-secret",
		WebhookSecret:           "webhook-secret",
		RateLimitPerSec:         100,
		RateLimitBurst:          100,
		RuleCacheTTL:            time.Minute,
		FirmCacheTTL:            time.Minute,
		ResultCacheTTL:          time.Minute,
		CacheCapacity:           100,
		BreakerFailureThreshold: 5,
		BreakerSuccessThreshold: 2,
		BreakerResetTimeout:     time.Second,
		CallTimeout:             time.Second,
		RetryMaxAttempts:        1,
		RetryBase:               time.Millisecond,
		RetryMax:                time.Millisecond,
		RiskImpactFraction:      0.02,
	}
}

func newTestAPI(t *testing.T, cfg config.Config, st storepkg.Store) *httptest.Server {
	t.Helper()
	logger := zap.NewNop()
	ruleCache := cache.NewRuleCache(cache.Options{
		RuleTTL:   cfg.RuleCacheTTL,
		FirmTTL:   cfg.FirmCacheTTL,
		ResultTTL: cfg.ResultCacheTTL,
		Capacity:  cfg.CacheCapacity,
	})
	breaker := resilience.NewBreaker("store",
		cfg.BreakerFailureThreshold, cfg.BreakerSuccessThreshold,
		cfg.BreakerResetTimeout, cfg.CallTimeout)
	engine := compliance.NewEngine(st, ruleCache, breaker,
		compliance.FixedFractionEstimator{Fraction: cfg.RiskImpactFraction}, logger)
	dispatcher := notify.NewDispatcher(st,
		[]notify.Channel{notify.NewInAppChannel(st)},
		nil,
		resilience.RetryConfig{MaxAttempts: cfg.RetryMaxAttempts, Base: cfg.RetryBase, Max: cfg.RetryMax},
		logger)
	srv := NewServer(
		cfg,
		st,
		token.NewAuthority(st, cfg.PublicURL),
		engine,
		dispatcher,
		signature.NewVerifier(cfg.WebhookSecret),
		ratelimit.New(cfg.RateLimitPerSec, cfg.RateLimitBurst),
		logger,
	)
	api := httptest.NewServer(srv.Router())
	t.Cleanup(api.Close)
	return api
}

func seedUser(store *memory.Store, userID string) {
	store.SeedUser(domain.User{ID: userID, EntitlementActive: true})
	store.SeedFirm(domain.Firm{ID: "firm-1", Name: "Apex Prop", Timezone: "UTC"})
	store.SeedAccount(domain.Account{
		UserID:          userID,
		FirmID:          "firm-1",
		Phase:           domain.PhaseFunded,
		StartingBalance: 50000,
		CurrentBalance:  48000,
	})
	store.SeedPrefs(domain.NotificationPrefs{UserID: userID})
}

func userJWT(t *testing.T, secret, userID string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return signed
}

func issueToken(t *testing.T, api *httptest.Server, jwtToken string) string {
	t.Helper()
	resp := postJSON(t, api.Client(), api.URL+"/api/webhook-token", nil, jwtToken, http.StatusOK)
	raw, _ := resp["token"].(string)
	if raw == "" {
		t.Fatalf("expected webhook token, got %#v", resp)
	}
	return raw
}

func signedWebhookRequest(t *testing.T, api *httptest.Server, webhookToken, secret string, payload map[string]interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, api.URL+"/webhook/"+webhookToken, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature.NewVerifier(secret).Sign(raw))
	resp, err := api.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func TestE2E_WebhookToTradeFlow(t *testing.T) {
	cfg := testConfig()
	store := memory.NewStore()
	seedUser(store, "user-1")
	store.SeedRules("user-1", []domain.Rule{
		domain.DailyLossRule{
			RuleMeta:    domain.RuleMeta{ID: "rule-1", Enabled: true},
			LimitAmount: 1000,
		},
	})
	api := newTestAPI(t, cfg, store)

	jwtToken := userJWT(t, cfg.JWTSecret, "user-1")
	webhookToken := issueToken(t, api, jwtToken)

	payload := map[string]interface{}{
		"symbol":    "ES",
		"action":    "buy",
		"quantity":  2,
		"price":     4500.25,
		"timestamp": "2026-03-02T14:30:00Z",
	}
	resp, body := signedWebhookRequest(t, api, webhookToken, cfg.WebhookSecret, payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%#v", resp.StatusCode, body)
	}
	if ok, _ := body["ok"].(bool); !ok {
		t.Fatalf("expected ok response, got %#v", body)
	}
	tradeID, _ := body["trade_id"].(string)
	if tradeID == "" {
		t.Fatalf("expected trade_id, got %#v", body)
	}
	eventID, _ := body["webhook_event_id"].(string)
	if eventID == "" {
		t.Fatalf("expected webhook_event_id")
	}

	event, ok := store.Event(eventID)
	if !ok {
		t.Fatalf("event %s not stored", eventID)
	}
	if event.Status != domain.EventProcessed {
		t.Fatalf("expected processed event, got %s", event.Status)
	}
	if event.TradeID != tradeID {
		t.Fatalf("event trade_id %q does not match response %q", event.TradeID, tradeID)
	}
	if trades := store.Trades("user-1"); len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}

	// Same signal again: acknowledged as a duplicate, no second trade.
	resp, body = signedWebhookRequest(t, api, webhookToken, cfg.WebhookSecret, payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("duplicate status=%d", resp.StatusCode)
	}
	if dup, _ := body["duplicate"].(bool); !dup {
		t.Fatalf("expected duplicate ack, got %#v", body)
	}
	if trades := store.Trades("user-1"); len(trades) != 1 {
		t.Fatalf("duplicate delivery created a trade: %d", len(trades))
	}
}

func TestE2E_BlockedTradeNotifies(t *testing.T) {
	cfg := testConfig()
	store := memory.NewStore()
	seedUser(store, "user-1")
	store.SeedRules("user-1", []domain.Rule{
		domain.DailyLossRule{
			RuleMeta:    domain.RuleMeta{ID: "rule-1", Enabled: true},
			LimitAmount: 1000,
		},
	})
	closed := time.Now().UTC()
	store.SeedTrade(domain.Trade{
		ID: "trade-old", UserID: "user-1", Symbol: "NQ", Action: domain.ActionSell,
		Quantity: 1, Status: domain.TradeClosed, RealizedPnL: -1600,
		OpenedAt: closed.Add(-time.Hour), ClosedAt: &closed,
	})
	api := newTestAPI(t, cfg, store)

	webhookToken := issueToken(t, api, userJWT(t, cfg.JWTSecret, "user-1"))
	payload := map[string]interface{}{
		"symbol":    "ES",
		"action":    "buy",
		"quantity":  1,
		"price":     4500,
		"timestamp": "2026-03-02T15:00:00Z",
	}
	resp, body := signedWebhookRequest(t, api, webhookToken, cfg.WebhookSecret, payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%#v", resp.StatusCode, body)
	}
	comp, _ := body["compliance"].(map[string]interface{})
	if comp == nil {
		t.Fatalf("missing compliance body: %#v", body)
	}
	if allowed, _ := comp["allowed"].(bool); allowed {
		t.Fatalf("expected blocked trade, got %#v", comp)
	}
	if _, present := body["trade_id"]; present {
		t.Fatalf("blocked trade must not produce trade_id")
	}
	if trades := store.Trades("user-1"); len(trades) != 1 {
		t.Fatalf("blocked trade added to the 1 seeded trade, got %d", len(trades))
	}

	eventID, _ := body["webhook_event_id"].(string)
	event, ok := store.Event(eventID)
	if !ok {
		t.Fatalf("event %s not stored", eventID)
	}
	if event.Status != domain.EventRejected {
		t.Fatalf("expected rejected event, got %s", event.Status)
	}
	if event.ViolationNote == "" {
		t.Fatalf("expected violation note on rejected event")
	}

	// Violation alerts are dispatched in the background.
	deadline := time.Now().Add(2 * time.Second)
	for store.InAppAlertCount("user-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected in-app alert for blocked trade")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestE2E_EvaluationFailureFailsClosed(t *testing.T) {
	cfg := testConfig()
	store := memory.NewStore()
	// User exists but no account is seeded, so evaluation cannot load state.
	store.SeedUser(domain.User{ID: "user-1", EntitlementActive: true})
	store.SeedPrefs(domain.NotificationPrefs{UserID: "user-1"})
	api := newTestAPI(t, cfg, store)

	webhookToken := issueToken(t, api, userJWT(t, cfg.JWTSecret, "user-1"))
	resp, body := signedWebhookRequest(t, api, webhookToken, cfg.WebhookSecret,
		map[string]interface{}{"symbol": "ES", "action": "buy"})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected fail-closed 500, got %d body=%#v", resp.StatusCode, body)
	}
	if ok, _ := body["ok"].(bool); ok {
		t.Fatalf("fail-closed response must not be ok")
	}
	comp, _ := body["compliance"].(map[string]interface{})
	if comp == nil {
		t.Fatalf("expected compliance body on fail-closed response")
	}
	if allowed, _ := comp["allowed"].(bool); allowed {
		t.Fatalf("fail-closed must block the trade")
	}
	if trades := store.Trades("user-1"); len(trades) != 0 {
		t.Fatalf("fail-closed must not create a trade")
	}
}

// tradeInsertFailStore fails every trade insert so the webhook handler is
// exercised past an approved evaluation that cannot be persisted.
type tradeInsertFailStore struct {
	*memory.Store
}

func (s tradeInsertFailStore) CreateTrade(ctx context.Context, trade domain.Trade) (domain.Trade, error) {
	return domain.Trade{}, errors.New("insert trade: connection reset by peer")
}

func TestE2E_TradePersistFailureRejectsEvent(t *testing.T) {
	cfg := testConfig()
	inner := memory.NewStore()
	seedUser(inner, "user-1")
	api := newTestAPI(t, cfg, tradeInsertFailStore{inner})

	webhookToken := issueToken(t, api, userJWT(t, cfg.JWTSecret, "user-1"))
	payload := map[string]interface{}{
		"symbol": "ES", "action": "buy", "quantity": 1, "price": 4500,
		"timestamp": "2026-03-02T16:00:00Z",
	}
	resp, body := signedWebhookRequest(t, api, webhookToken, cfg.WebhookSecret, payload)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status=%d body=%#v", resp.StatusCode, body)
	}

	signal, err := parser.Parse(payload)
	if err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	event, err := inner.FindEventByIdempotencyKey(context.Background(), "user-1", idempotency.Key("user-1", *signal))
	if err != nil {
		t.Fatalf("find event: %v", err)
	}
	if event.Status != domain.EventRejected {
		t.Fatalf("event status = %s, want %s", event.Status, domain.EventRejected)
	}
}

func TestE2E_TokenResolutionErrors(t *testing.T) {
	cfg := testConfig()
	store := memory.NewStore()
	seedUser(store, "user-1")
	api := newTestAPI(t, cfg, store)

	payload := map[string]interface{}{"symbol": "ES", "action": "buy"}

	// Malformed token shape.
	resp, _ := signedWebhookRequest(t, api, "not-a-token", cfg.WebhookSecret, payload)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("malformed token: status=%d", resp.StatusCode)
	}

	// Well-formed but unknown.
	unknown := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	resp, _ = signedWebhookRequest(t, api, unknown, cfg.WebhookSecret, payload)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown token: status=%d", resp.StatusCode)
	}

	// Valid token whose entitlement has lapsed.
	webhookToken := issueToken(t, api, userJWT(t, cfg.JWTSecret, "user-1"))
	store.SeedUser(domain.User{
		ID: "user-1", TokenHash: token.HashToken(webhookToken),
		TokenEnabled: true, EntitlementActive: false,
	})
	resp, _ = signedWebhookRequest(t, api, webhookToken, cfg.WebhookSecret, payload)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("lapsed entitlement: status=%d", resp.StatusCode)
	}
}

func TestE2E_SignatureRejected(t *testing.T) {
	cfg := testConfig()
	store := memory.NewStore()
	seedUser(store, "user-1")
	api := newTestAPI(t, cfg, store)

	webhookToken := issueToken(t, api, userJWT(t, cfg.JWTSecret, "user-1"))
	payload := map[string]interface{}{"symbol": "ES", "action": "buy"}

	// Signed with the wrong secret.
	resp, _ := signedWebhookRequest(t, api, webhookToken, "wrong-secret", payload)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad signature: status=%d", resp.StatusCode)
	}

	// No signature at all.
	raw, _ := json.Marshal(payload)
	req, _ := http.NewRequest(http.MethodPost, api.URL+"/webhook/"+webhookToken, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	resp2, err := api.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing signature: status=%d", resp2.StatusCode)
	}
}

func TestE2E_MalformedPayload(t *testing.T) {
	cfg := testConfig()
	store := memory.NewStore()
	seedUser(store, "user-1")
	api := newTestAPI(t, cfg, store)

	webhookToken := issueToken(t, api, userJWT(t, cfg.JWTSecret, "user-1"))

	resp, _ := signedWebhookRequest(t, api, webhookToken, cfg.WebhookSecret,
		map[string]interface{}{"action": "buy"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing symbol: status=%d", resp.StatusCode)
	}
}

func TestE2E_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitPerSec = 0.001
	cfg.RateLimitBurst = 2
	store := memory.NewStore()
	seedUser(store, "user-1")
	api := newTestAPI(t, cfg, store)

	webhookToken := issueToken(t, api, userJWT(t, cfg.JWTSecret, "user-1"))

	for i := 0; i < 2; i++ {
		payload := map[string]interface{}{
			"symbol": "ES", "action": "buy",
			"timestamp": time.Unix(int64(1700000000+i), 0).UTC().Format(time.RFC3339),
		}
		resp, body := signedWebhookRequest(t, api, webhookToken, cfg.WebhookSecret, payload)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status=%d body=%#v", i, resp.StatusCode, body)
		}
	}
	resp, _ := signedWebhookRequest(t, api, webhookToken, cfg.WebhookSecret,
		map[string]interface{}{"symbol": "ES", "action": "buy"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", resp.StatusCode)
	}
}

func TestE2E_TokenManagementAPI(t *testing.T) {
	cfg := testConfig()
	store := memory.NewStore()
	seedUser(store, "user-1")
	api := newTestAPI(t, cfg, store)
	jwtToken := userJWT(t, cfg.JWTSecret, "user-1")

	// Unauthenticated requests are rejected.
	resp, err := api.Client().Post(api.URL+"/api/webhook-token", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without jwt, got %d", resp.StatusCode)
	}

	first := issueToken(t, api, jwtToken)

	info := getJSON(t, api.Client(), api.URL+"/api/webhook-token", jwtToken)
	if configured, _ := info["configured"].(bool); !configured {
		t.Fatalf("expected configured token, got %#v", info)
	}
	if enabled, _ := info["enabled"].(bool); !enabled {
		t.Fatalf("expected enabled token, got %#v", info)
	}

	// Regeneration invalidates the previous token.
	regen := postJSON(t, api.Client(), api.URL+"/api/webhook-token/regenerate", nil, jwtToken, http.StatusOK)
	second, _ := regen["token"].(string)
	if second == "" || second == first {
		t.Fatalf("expected fresh token on regenerate")
	}
	payload := map[string]interface{}{"symbol": "ES", "action": "buy"}
	if resp, _ := signedWebhookRequest(t, api, first, cfg.WebhookSecret, payload); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("old token should 404, got %d", resp.StatusCode)
	}

	// Disable stops deliveries without destroying the binding.
	postJSON(t, api.Client(), api.URL+"/api/webhook-token/disable", nil, jwtToken, http.StatusOK)
	if resp, _ := signedWebhookRequest(t, api, second, cfg.WebhookSecret, payload); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("disabled token should 404, got %d", resp.StatusCode)
	}
	postJSON(t, api.Client(), api.URL+"/api/webhook-token/enable", nil, jwtToken, http.StatusOK)
	if resp, _ := signedWebhookRequest(t, api, second, cfg.WebhookSecret, payload); resp.StatusCode != http.StatusOK {
		t.Fatalf("re-enabled token should work, got %d", resp.StatusCode)
	}
}

func TestE2E_TokenManagementRequiresEntitlement(t *testing.T) {
	cfg := testConfig()
	store := memory.NewStore()
	seedUser(store, "user-1")
	api := newTestAPI(t, cfg, store)
	jwtToken := userJWT(t, cfg.JWTSecret, "user-1")

	webhookToken := issueToken(t, api, jwtToken)
	store.SeedUser(domain.User{
		ID: "user-1", TokenHash: token.HashToken(webhookToken),
		TokenEnabled: true, EntitlementActive: false,
	})

	postJSON(t, api.Client(), api.URL+"/api/webhook-token", nil, jwtToken, http.StatusPaymentRequired)
	postJSON(t, api.Client(), api.URL+"/api/webhook-token/disable", nil, jwtToken, http.StatusPaymentRequired)
	postJSON(t, api.Client(), api.URL+"/api/webhook-token/enable", nil, jwtToken, http.StatusPaymentRequired)

	req, err := http.NewRequest(http.MethodGet, api.URL+"/api/webhook-token", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+jwtToken)
	resp, err := api.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("token info with lapsed entitlement: status=%d want 402", resp.StatusCode)
	}
}

func postJSON(t *testing.T, client *http.Client, url string, body interface{}, bearerToken string, wantStatus int) map[string]interface{} {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(http.MethodPost, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode != wantStatus {
		t.Fatalf("status=%d want=%d body=%#v", resp.StatusCode, wantStatus, out)
	}
	return out
}

func getJSON(t *testing.T, client *http.Client, url string, bearerToken string) map[string]interface{} {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var data map[string]interface{}
		_ = json.NewDecoder(resp.Body).Decode(&data)
		t.Fatalf("non-2xx status=%d body=%#v", resp.StatusCode, data)
	}
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}
