// Package postgres is the durable Store implementation. Webhook event
// idempotency rides on a unique (user_id, idempotency_key) constraint so
// concurrent duplicate deliveries race at the database, not in Go.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"tradegate/internal/domain"
	"tradegate/internal/store"
)

const uniqueViolation = "23505"

type Store struct {
	db *sql.DB
}

func NewStore(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) GetUser(ctx context.Context, userID string) (domain.User, error) {
	var u domain.User
	err := s.db.QueryRowContext(ctx,
		`select id, coalesce(token_hash, ''), token_enabled, entitlement_active
		 from users where id = $1`,
		userID,
	).Scan(&u.ID, &u.TokenHash, &u.TokenEnabled, &u.EntitlementActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.User{}, store.ErrNotFound
		}
		return domain.User{}, err
	}
	return u, nil
}

func (s *Store) GetUserByTokenHash(ctx context.Context, tokenHash string) (domain.User, error) {
	var u domain.User
	err := s.db.QueryRowContext(ctx,
		`select id, token_hash, token_enabled, entitlement_active
		 from users where token_hash = $1
		 limit 1`,
		tokenHash,
	).Scan(&u.ID, &u.TokenHash, &u.TokenEnabled, &u.EntitlementActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.User{}, store.ErrNotFound
		}
		return domain.User{}, err
	}
	return u, nil
}

func (s *Store) SaveWebhookToken(ctx context.Context, userID, tokenHash string) error {
	res, err := s.db.ExecContext(ctx,
		`update users
		 set token_hash = $2, token_enabled = true
		 where id = $1`,
		userID, tokenHash,
	)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SetTokenEnabled(ctx context.Context, userID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`update users set token_enabled = $2 where id = $1`,
		userID, enabled,
	)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, userID string) (domain.Account, error) {
	var a domain.Account
	var phase string
	err := s.db.QueryRowContext(ctx,
		`select user_id, firm_id, coalesce(phase, ''), starting_balance, current_balance
		 from accounts where user_id = $1`,
		userID,
	).Scan(&a.UserID, &a.FirmID, &phase, &a.StartingBalance, &a.CurrentBalance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Account{}, store.ErrNotFound
		}
		return domain.Account{}, err
	}
	a.Phase = domain.Phase(phase)
	return a, nil
}

func (s *Store) GetFirm(ctx context.Context, firmID string) (domain.Firm, error) {
	var f domain.Firm
	err := s.db.QueryRowContext(ctx,
		`select id, name, timezone from firms where id = $1`,
		firmID,
	).Scan(&f.ID, &f.Name, &f.Timezone)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Firm{}, store.ErrNotFound
		}
		return domain.Firm{}, err
	}
	return f, nil
}

func (s *Store) ListActiveRules(ctx context.Context, userID string) ([]domain.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, rule_type, coalesce(phase, ''), enabled, params
		 from compliance_rules
		 where user_id = $1 and enabled = true
		 order by rule_type asc`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Rule{}
	for rows.Next() {
		var id, ruleType, phase string
		var enabled bool
		var params []byte
		if err := rows.Scan(&id, &ruleType, &phase, &enabled, &params); err != nil {
			return nil, err
		}
		rule, ok := decodeRule(domain.RuleMeta{ID: id, Enabled: enabled, Phase: domain.Phase(phase)},
			domain.RuleType(ruleType), params)
		if !ok {
			// Unknown rule types are skipped so a newer schema does not
			// break evaluation on older deployments.
			continue
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// decodeRule builds the concrete variant for a stored rule row from its
// JSONB params column.
func decodeRule(meta domain.RuleMeta, ruleType domain.RuleType, params []byte) (domain.Rule, bool) {
	switch ruleType {
	case domain.RuleDailyLoss:
		var p struct {
			LimitAmount float64 `json:"limit_amount"`
		}
		if json.Unmarshal(params, &p) != nil {
			return nil, false
		}
		return domain.DailyLossRule{RuleMeta: meta, LimitAmount: p.LimitAmount}, true
	case domain.RuleMaxDrawdown:
		var p struct {
			LimitPct float64 `json:"limit_pct"`
		}
		if json.Unmarshal(params, &p) != nil {
			return nil, false
		}
		return domain.MaxDrawdownRule{RuleMeta: meta, LimitPct: p.LimitPct}, true
	case domain.RulePositionSize:
		var p struct {
			LimitPct float64 `json:"limit_pct"`
		}
		if json.Unmarshal(params, &p) != nil {
			return nil, false
		}
		return domain.PositionSizeRule{RuleMeta: meta, LimitPct: p.LimitPct}, true
	case domain.RuleMaxContracts:
		var p struct {
			MaxContracts float64 `json:"max_contracts"`
		}
		if json.Unmarshal(params, &p) != nil {
			return nil, false
		}
		return domain.MaxContractsRule{RuleMeta: meta, MaxContracts: p.MaxContracts}, true
	case domain.RuleTradingHours:
		var p struct {
			Start string `json:"start"`
			End   string `json:"end"`
		}
		if json.Unmarshal(params, &p) != nil {
			return nil, false
		}
		return domain.TradingHoursRule{RuleMeta: meta, Start: p.Start, End: p.End}, true
	}
	return nil, false
}

func (s *Store) CreateWebhookEvent(ctx context.Context, event domain.WebhookEvent) (domain.WebhookEvent, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.Status == "" {
		event.Status = domain.EventProcessing
	}

	var signalRaw interface{}
	if event.Signal != nil {
		raw, err := json.Marshal(event.Signal)
		if err != nil {
			return domain.WebhookEvent{}, err
		}
		signalRaw = string(raw)
	}

	_, err := s.db.ExecContext(ctx,
		`insert into webhook_events(id, user_id, idempotency_key, raw_payload, signal, status, created_at)
		 values ($1, $2, $3, $4, $5::jsonb, $6, $7)`,
		event.ID, event.UserID, event.IdempotencyKey, event.RawPayload,
		signalRaw, string(event.Status), event.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return domain.WebhookEvent{}, store.ErrDuplicate
		}
		return domain.WebhookEvent{}, err
	}
	return event, nil
}

func (s *Store) FindEventByIdempotencyKey(ctx context.Context, userID, key string) (domain.WebhookEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, user_id, idempotency_key, raw_payload, signal, status,
		        coalesce(trade_id, ''), coalesce(violation_note, ''), created_at
		 from webhook_events
		 where user_id = $1 and idempotency_key = $2`,
		userID, key,
	)
	return scanEvent(row)
}

func scanEvent(row *sql.Row) (domain.WebhookEvent, error) {
	var e domain.WebhookEvent
	var status string
	var signalRaw []byte
	err := row.Scan(&e.ID, &e.UserID, &e.IdempotencyKey, &e.RawPayload,
		&signalRaw, &status, &e.TradeID, &e.ViolationNote, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WebhookEvent{}, store.ErrNotFound
		}
		return domain.WebhookEvent{}, err
	}
	e.Status = domain.EventStatus(status)
	if len(signalRaw) > 0 {
		var signal domain.TradeSignal
		if err := json.Unmarshal(signalRaw, &signal); err == nil {
			e.Signal = &signal
		}
	}
	return e, nil
}

func (s *Store) FinalizeWebhookEvent(ctx context.Context, eventID string, status domain.EventStatus, tradeID, violationNote string) error {
	res, err := s.db.ExecContext(ctx,
		`update webhook_events
		 set status = $2, trade_id = nullif($3, ''), violation_note = nullif($4, '')
		 where id = $1`,
		eventID, string(status), tradeID, violationNote,
	)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateTrade(ctx context.Context, trade domain.Trade) (domain.Trade, error) {
	if trade.ID == "" {
		trade.ID = uuid.NewString()
	}
	if trade.OpenedAt.IsZero() {
		trade.OpenedAt = time.Now().UTC()
	}
	if trade.Status == "" {
		trade.Status = domain.TradeOpen
	}
	_, err := s.db.ExecContext(ctx,
		`insert into trades(id, user_id, symbol, action, quantity, price, status, realized_pnl, opened_at, closed_at)
		 values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		trade.ID, trade.UserID, trade.Symbol, string(trade.Action),
		trade.Quantity, trade.Price, string(trade.Status),
		trade.RealizedPnL, trade.OpenedAt, trade.ClosedAt,
	)
	if err != nil {
		return domain.Trade{}, err
	}
	return trade, nil
}

func (s *Store) DailyRealizedPnL(ctx context.Context, userID string, day time.Time) (float64, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)
	var pnl float64
	err := s.db.QueryRowContext(ctx,
		`select coalesce(sum(realized_pnl), 0)
		 from trades
		 where user_id = $1 and status = 'closed'
		   and closed_at >= $2 and closed_at < $3`,
		userID, dayStart, dayEnd,
	).Scan(&pnl)
	if err != nil {
		return 0, err
	}
	return pnl, nil
}

func (s *Store) OpenQuantity(ctx context.Context, userID, symbol string) (float64, error) {
	var qty float64
	err := s.db.QueryRowContext(ctx,
		`select coalesce(sum(quantity), 0)
		 from trades
		 where user_id = $1 and symbol = $2 and status = 'open'`,
		userID, symbol,
	).Scan(&qty)
	if err != nil {
		return 0, err
	}
	return qty, nil
}

func (s *Store) GetNotificationPrefs(ctx context.Context, userID string) (domain.NotificationPrefs, error) {
	var p domain.NotificationPrefs
	err := s.db.QueryRowContext(ctx,
		`select user_id, coalesce(email, ''), coalesce(phone_number, ''),
		        email_opt_in, sms_opt_in, sms_all_severities
		 from notification_prefs where user_id = $1`,
		userID,
	).Scan(&p.UserID, &p.Email, &p.PhoneNumber, &p.EmailOptIn, &p.SMSOptIn, &p.SMSAllSeverities)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NotificationPrefs{}, store.ErrNotFound
		}
		return domain.NotificationPrefs{}, err
	}
	return p, nil
}

func (s *Store) RecordNotification(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into notifications(id, user_id, channel, status, title, error, created_at)
		 values ($1, $2, $3, $4, $5, nullif($6, ''), $7)`,
		n.ID, n.UserID, string(n.Channel), string(n.Status), n.Title, n.Error, n.CreatedAt,
	)
	if err != nil {
		return domain.Notification{}, err
	}
	return n, nil
}

func (s *Store) CreateInAppAlert(ctx context.Context, userID, title, message string, severity domain.Severity) error {
	_, err := s.db.ExecContext(ctx,
		`insert into in_app_alerts(id, user_id, title, message, severity, created_at)
		 values ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), userID, title, message, string(severity), time.Now().UTC(),
	)
	return err
}
