// Package http is the transport layer: the public webhook intake and the
// JWT-protected token management API.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tradegate/internal/config"
	"tradegate/internal/domain"
	"tradegate/internal/metrics"
	"tradegate/internal/notify"
	"tradegate/internal/ratelimit"
	"tradegate/internal/security/signature"
	"tradegate/internal/service/compliance"
	"tradegate/internal/service/idempotency"
	"tradegate/internal/service/parser"
	"tradegate/internal/service/token"
	storepkg "tradegate/internal/store"
)

const maxBodyBytes = 1 << 20

type contextKey string

const contextKeyUserID contextKey = "user_id"

type Server struct {
	cfg        config.Config
	store      storepkg.Store
	tokens     *token.Authority
	engine     *compliance.Engine
	dispatcher *notify.Dispatcher
	verifier   *signature.Verifier
	limiter    *ratelimit.KeyedLimiter
	logger     *zap.Logger
}

func NewServer(
	cfg config.Config,
	store storepkg.Store,
	tokens *token.Authority,
	engine *compliance.Engine,
	dispatcher *notify.Dispatcher,
	verifier *signature.Verifier,
	limiter *ratelimit.KeyedLimiter,
	logger *zap.Logger,
) *Server {
	return &Server{
		cfg:        cfg,
		store:      store,
		tokens:     tokens,
		engine:     engine,
		dispatcher: dispatcher,
		verifier:   verifier,
		limiter:    limiter,
		logger:     logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/webhook/{token}", s.handleWebhook)

	r.Group(func(protected chi.Router) {
		protected.Use(s.requireUser)
		protected.Post("/api/webhook-token", s.handleIssueToken)
		protected.Get("/api/webhook-token", s.handleTokenInfo)
		protected.Post("/api/webhook-token/regenerate", s.handleRegenerateToken)
		protected.Post("/api/webhook-token/disable", s.handleDisableToken)
		protected.Post("/api/webhook-token/enable", s.handleEnableToken)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleWebhook runs the full intake pipeline. Every branch answers with a
// definitive status; notification delivery happens after the response is
// decided and never changes it.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		metrics.WebhookDuration.Observe(time.Since(start).Seconds())
	}()

	rawToken := chi.URLParam(r, "token")

	if !s.limiter.Allow(rawToken) {
		metrics.RateLimitRejected.Inc()
		metrics.WebhooksReceived.WithLabelValues("rate_limited").Inc()
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	userID, err := s.tokens.Validate(r.Context(), rawToken)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues("unauthorized").Inc()
		switch {
		case errors.Is(err, token.ErrMalformed):
			writeError(w, http.StatusUnauthorized, "invalid webhook token")
		case errors.Is(err, token.ErrUnknown):
			writeError(w, http.StatusNotFound, "webhook not found")
		case errors.Is(err, token.ErrNoEntitlement):
			writeError(w, http.StatusPaymentRequired, "subscription inactive")
		default:
			s.logger.Error("token validation failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "token validation failed")
		}
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues("parse_error").Inc()
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	if err := s.verifier.Verify(body, r.Header.Get("X-Webhook-Signature")); err != nil {
		metrics.WebhooksReceived.WithLabelValues("unauthorized").Inc()
		writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.WebhooksReceived.WithLabelValues("parse_error").Inc()
		writeError(w, http.StatusBadRequest, "payload is not valid JSON")
		return
	}
	signal, err := parser.Parse(payload)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues("parse_error").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := idempotency.Key(userID, *signal)
	event, err := s.store.CreateWebhookEvent(r.Context(), domain.WebhookEvent{
		UserID:         userID,
		IdempotencyKey: key,
		RawPayload:     body,
		Signal:         signal,
		Status:         domain.EventProcessing,
	})
	if err != nil {
		if errors.Is(err, storepkg.ErrDuplicate) {
			s.respondDuplicate(r.Context(), w, userID, key)
			return
		}
		s.logger.Error("failed to record webhook event", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to record webhook event")
		return
	}

	result := s.engine.Validate(r.Context(), userID, *signal)

	if failedClosed(result) {
		if err := s.store.FinalizeWebhookEvent(r.Context(), event.ID, domain.EventRejected, "", violationNote(result)); err != nil {
			s.logger.Error("failed to finalize webhook event", zap.Error(err))
		}
		metrics.WebhooksReceived.WithLabelValues("error").Inc()
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"ok":               false,
			"webhook_event_id": event.ID,
			"compliance":       complianceBody(result),
		})
		return
	}

	response := map[string]interface{}{
		"ok":               true,
		"webhook_event_id": event.ID,
		"compliance":       complianceBody(result),
	}

	if result.AllowTrade {
		trade, err := s.store.CreateTrade(r.Context(), domain.Trade{
			UserID:   userID,
			Symbol:   signal.Symbol,
			Action:   signal.Action,
			Quantity: signal.Quantity,
			Price:    signal.Price,
			Status:   domain.TradeOpen,
		})
		if err != nil {
			s.logger.Error("failed to persist trade", zap.Error(err))
			// The event must not stay in processing once we give up on it.
			if err := s.store.FinalizeWebhookEvent(r.Context(), event.ID, domain.EventRejected, "", "trade persistence failed"); err != nil {
				s.logger.Error("failed to finalize webhook event", zap.Error(err))
			}
			metrics.WebhooksReceived.WithLabelValues("error").Inc()
			writeError(w, http.StatusInternalServerError, "failed to persist trade")
			return
		}
		if err := s.store.FinalizeWebhookEvent(r.Context(), event.ID, domain.EventProcessed, trade.ID, violationNote(result)); err != nil {
			s.logger.Error("failed to finalize webhook event", zap.Error(err))
		}
		response["trade_id"] = trade.ID
		metrics.WebhooksReceived.WithLabelValues("processed").Inc()
	} else {
		if err := s.store.FinalizeWebhookEvent(r.Context(), event.ID, domain.EventRejected, "", violationNote(result)); err != nil {
			s.logger.Error("failed to finalize webhook event", zap.Error(err))
		}
		metrics.WebhooksReceived.WithLabelValues("rejected").Inc()
	}

	s.notifyViolations(userID, *signal, result)

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) respondDuplicate(ctx context.Context, w http.ResponseWriter, userID, key string) {
	metrics.DuplicateDeliveries.Inc()
	metrics.WebhooksReceived.WithLabelValues("duplicate").Inc()

	existing, err := s.store.FindEventByIdempotencyKey(ctx, userID, key)
	if err != nil {
		// The original row exists but could not be read back. The delivery
		// is still acknowledged so the sender stops retrying.
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":        true,
			"duplicate": true,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":               true,
		"duplicate":        true,
		"webhook_event_id": existing.ID,
		"status":           existing.Status,
	})
}

// notifyViolations fans violation alerts out in the background. The webhook
// response has already been decided at this point.
func (s *Server) notifyViolations(userID string, signal domain.TradeSignal, result domain.ValidationResult) {
	if !result.IsViolation {
		return
	}
	severity := maxSeverity(result.Violations)
	alert := domain.Alert{
		UserID:   userID,
		Title:    alertTitle(result),
		Message:  alertMessage(signal, result),
		Severity: severity,
		Channels: notify.ChannelsForSeverity(severity),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.dispatcher.Dispatch(ctx, alert)
	}()
}

// failedClosed reports whether the result is the engine's synthetic
// fail-closed verdict rather than a real rule outcome.
func failedClosed(result domain.ValidationResult) bool {
	for _, v := range result.Violations {
		if v.RuleType == domain.RuleSystem {
			return true
		}
	}
	return false
}

func complianceBody(result domain.ValidationResult) map[string]interface{} {
	violations := result.Violations
	if violations == nil {
		violations = []domain.ComplianceViolation{}
	}
	messages := make([]string, 0, len(violations))
	for _, v := range violations {
		messages = append(messages, v.Message)
	}
	return map[string]interface{}{
		"allowed":    result.AllowTrade,
		"violations": violations,
		"warnings":   result.Warnings,
		"messages":   messages,
	}
}

func violationNote(result domain.ValidationResult) string {
	if len(result.Violations) == 0 {
		return ""
	}
	notes := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		notes = append(notes, v.Message)
	}
	return strings.Join(notes, "; ")
}

var severityRank = map[domain.Severity]int{
	domain.SeverityWarning:  0,
	domain.SeverityMinor:    1,
	domain.SeverityMajor:    2,
	domain.SeverityCritical: 3,
}

func maxSeverity(violations []domain.ComplianceViolation) domain.Severity {
	top := domain.SeverityWarning
	for _, v := range violations {
		if severityRank[v.Severity] > severityRank[top] {
			top = v.Severity
		}
	}
	return top
}

func alertTitle(result domain.ValidationResult) string {
	if !result.AllowTrade {
		return "Trade blocked by compliance rules"
	}
	return "Compliance warning"
}

func alertMessage(signal domain.TradeSignal, result domain.ValidationResult) string {
	header := string(signal.Action) + " " + signal.Symbol
	return header + ": " + violationNote(result)
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	userID, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing user session")
		return
	}
	raw, err := s.tokens.Issue(r.Context(), userID)
	if err != nil {
		s.writeTokenError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":       raw,
		"webhook_url": s.tokens.CallbackURL(raw),
	})
}

func (s *Server) handleRegenerateToken(w http.ResponseWriter, r *http.Request) {
	userID, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing user session")
		return
	}
	raw, err := s.tokens.Regenerate(r.Context(), userID)
	if err != nil {
		s.writeTokenError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":       raw,
		"webhook_url": s.tokens.CallbackURL(raw),
	})
}

func (s *Server) handleTokenInfo(w http.ResponseWriter, r *http.Request) {
	userID, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing user session")
		return
	}
	user, err := s.store.GetUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, storepkg.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		s.logger.Error("failed to load user", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	if !user.EntitlementActive {
		writeError(w, http.StatusPaymentRequired, "subscription inactive")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"configured":         user.TokenHash != "",
		"enabled":            user.TokenEnabled,
		"entitlement_active": user.EntitlementActive,
	})
}

func (s *Server) handleDisableToken(w http.ResponseWriter, r *http.Request) {
	userID, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing user session")
		return
	}
	if err := s.tokens.Disable(r.Context(), userID); err != nil {
		s.writeTokenError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleEnableToken(w http.ResponseWriter, r *http.Request) {
	userID, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing user session")
		return
	}
	if err := s.tokens.Enable(r.Context(), userID); err != nil {
		s.writeTokenError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) writeTokenError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, token.ErrNoEntitlement):
		writeError(w, http.StatusPaymentRequired, "subscription inactive")
	case errors.Is(err, storepkg.ErrNotFound):
		writeError(w, http.StatusNotFound, "user not found")
	default:
		s.logger.Error("token operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "token operation failed")
	}
}

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r.Header.Get("Authorization"))
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		parsed, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil || !parsed.Valid {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		claims, ok := parsed.Claims.(jwt.MapClaims)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid claims")
			return
		}
		sub, _ := claims["sub"].(string)
		if sub == "" {
			writeError(w, http.StatusUnauthorized, "missing subject claim")
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyUserID, sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(contextKeyUserID).(string)
	if !ok || userID == "" {
		return "", errors.New("user not found in context")
	}
	return userID, nil
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
