// Package memory is the in-process Store used by tests and by deployments
// without a database.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradegate/internal/domain"
	"tradegate/internal/store"
)

type inAppAlert struct {
	UserID    string
	Title     string
	Message   string
	Severity  domain.Severity
	CreatedAt time.Time
}

type Store struct {
	mu sync.RWMutex

	users      map[string]domain.User
	tokenIndex map[string]string // token hash -> user id
	accounts   map[string]domain.Account
	firms      map[string]domain.Firm
	rules      map[string][]domain.Rule
	prefs      map[string]domain.NotificationPrefs

	events     map[string]domain.WebhookEvent
	idemIndex  map[string]string // userID|key -> event id
	trades     map[string]domain.Trade
	tradeOrder []string

	notifications []domain.Notification
	inAppAlerts   []inAppAlert
}

func NewStore() *Store {
	return &Store{
		users:      make(map[string]domain.User),
		tokenIndex: make(map[string]string),
		accounts:   make(map[string]domain.Account),
		firms:      make(map[string]domain.Firm),
		rules:      make(map[string][]domain.Rule),
		prefs:      make(map[string]domain.NotificationPrefs),
		events:     make(map[string]domain.WebhookEvent),
		idemIndex:  make(map[string]string),
		trades:     make(map[string]domain.Trade),
	}
}

func (s *Store) GetUser(ctx context.Context, userID string) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return domain.User{}, store.ErrNotFound
	}
	return user, nil
}

func (s *Store) GetUserByTokenHash(ctx context.Context, tokenHash string) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	userID, ok := s.tokenIndex[tokenHash]
	if !ok {
		return domain.User{}, store.ErrNotFound
	}
	return s.users[userID], nil
}

func (s *Store) SaveWebhookToken(ctx context.Context, userID, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	if user.TokenHash != "" {
		delete(s.tokenIndex, user.TokenHash)
	}
	user.TokenHash = tokenHash
	user.TokenEnabled = true
	s.users[userID] = user
	s.tokenIndex[tokenHash] = userID
	return nil
}

func (s *Store) SetTokenEnabled(ctx context.Context, userID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	user.TokenEnabled = enabled
	s.users[userID] = user
	return nil
}

func (s *Store) GetAccount(ctx context.Context, userID string) (domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[userID]
	if !ok {
		return domain.Account{}, store.ErrNotFound
	}
	return account, nil
}

func (s *Store) GetFirm(ctx context.Context, firmID string) (domain.Firm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	firm, ok := s.firms[firmID]
	if !ok {
		return domain.Firm{}, store.ErrNotFound
	}
	return firm, nil
}

func (s *Store) ListActiveRules(ctx context.Context, userID string) ([]domain.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rules := s.rules[userID]
	out := make([]domain.Rule, len(rules))
	copy(out, rules)
	return out, nil
}

func (s *Store) CreateWebhookEvent(ctx context.Context, event domain.WebhookEvent) (domain.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idemKey := event.UserID + "|" + event.IdempotencyKey
	if _, exists := s.idemIndex[idemKey]; exists {
		return domain.WebhookEvent{}, store.ErrDuplicate
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.Status == "" {
		event.Status = domain.EventProcessing
	}
	s.events[event.ID] = event
	s.idemIndex[idemKey] = event.ID
	return event, nil
}

func (s *Store) FindEventByIdempotencyKey(ctx context.Context, userID, key string) (domain.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	eventID, ok := s.idemIndex[userID+"|"+key]
	if !ok {
		return domain.WebhookEvent{}, store.ErrNotFound
	}
	return s.events[eventID], nil
}

func (s *Store) FinalizeWebhookEvent(ctx context.Context, eventID string, status domain.EventStatus, tradeID, violationNote string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[eventID]
	if !ok {
		return store.ErrNotFound
	}
	event.Status = status
	event.TradeID = tradeID
	event.ViolationNote = violationNote
	s.events[eventID] = event
	return nil
}

func (s *Store) CreateTrade(ctx context.Context, trade domain.Trade) (domain.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if trade.ID == "" {
		trade.ID = uuid.NewString()
	}
	if trade.OpenedAt.IsZero() {
		trade.OpenedAt = time.Now().UTC()
	}
	if trade.Status == "" {
		trade.Status = domain.TradeOpen
	}
	s.trades[trade.ID] = trade
	s.tradeOrder = append(s.tradeOrder, trade.ID)
	return trade, nil
}

func (s *Store) DailyRealizedPnL(ctx context.Context, userID string, day time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	total := 0.0
	for _, trade := range s.trades {
		if trade.UserID != userID || trade.Status != domain.TradeClosed || trade.ClosedAt == nil {
			continue
		}
		if trade.ClosedAt.Before(dayStart) || !trade.ClosedAt.Before(dayEnd) {
			continue
		}
		total += trade.RealizedPnL
	}
	return total, nil
}

func (s *Store) OpenQuantity(ctx context.Context, userID, symbol string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0.0
	for _, trade := range s.trades {
		if trade.UserID == userID && trade.Symbol == symbol && trade.Status == domain.TradeOpen {
			total += trade.Quantity
		}
	}
	return total, nil
}

func (s *Store) GetNotificationPrefs(ctx context.Context, userID string) (domain.NotificationPrefs, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefs, ok := s.prefs[userID]
	if !ok {
		return domain.NotificationPrefs{}, store.ErrNotFound
	}
	return prefs, nil
}

func (s *Store) RecordNotification(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	s.notifications = append(s.notifications, n)
	return n, nil
}

func (s *Store) CreateInAppAlert(ctx context.Context, userID, title, message string, severity domain.Severity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inAppAlerts = append(s.inAppAlerts, inAppAlert{
		UserID:    userID,
		Title:     title,
		Message:   message,
		Severity:  severity,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// Seed helpers for tests and dev deployments.

func (s *Store) SeedUser(user domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
	if user.TokenHash != "" {
		s.tokenIndex[user.TokenHash] = user.ID
	}
}

func (s *Store) SeedAccount(account domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.UserID] = account
}

func (s *Store) SeedFirm(firm domain.Firm) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.firms[firm.ID] = firm
}

func (s *Store) SeedRules(userID string, rules []domain.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[userID] = rules
}

func (s *Store) SeedPrefs(prefs domain.NotificationPrefs) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[prefs.UserID] = prefs
}

func (s *Store) SeedTrade(trade domain.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if trade.ID == "" {
		trade.ID = uuid.NewString()
	}
	s.trades[trade.ID] = trade
	s.tradeOrder = append(s.tradeOrder, trade.ID)
}

// Notifications returns a copy of all recorded delivery attempts.
func (s *Store) Notifications() []domain.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Notification, len(s.notifications))
	copy(out, s.notifications)
	return out
}

// InAppAlertCount returns how many in-app alerts were written for a user.
func (s *Store) InAppAlertCount(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.inAppAlerts {
		if a.UserID == userID {
			n++
		}
	}
	return n
}

// Trades returns a copy of all trades for a user in creation order.
func (s *Store) Trades(userID string) []domain.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Trade, 0, 4)
	for _, id := range s.tradeOrder {
		if trade := s.trades[id]; trade.UserID == userID {
			out = append(out, trade)
		}
	}
	return out
}

// Event returns a stored webhook event by id.
func (s *Store) Event(eventID string) (domain.WebhookEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, ok := s.events[eventID]
	return event, ok
}
