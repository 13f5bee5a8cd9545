package domain

import "time"

type TradeAction string

const (
	ActionBuy        TradeAction = "buy"
	ActionSell       TradeAction = "sell"
	ActionCloseLong  TradeAction = "close_long"
	ActionCloseShort TradeAction = "close_short"
)

// ValidAction reports whether the raw string is a recognized trade action.
// Callers lowercase before matching.
func ValidAction(a string) bool {
	switch TradeAction(a) {
	case ActionBuy, ActionSell, ActionCloseLong, ActionCloseShort:
		return true
	}
	return false
}

// TradeSignal is the canonical, post-parse trade instruction. Symbol and
// Action are always present; numeric fields are positive magnitudes.
type TradeSignal struct {
	Symbol     string      `json:"symbol"`
	Action     TradeAction `json:"action"`
	Quantity   float64     `json:"quantity"`
	Price      float64     `json:"price,omitempty"`
	StopLoss   float64     `json:"stop_loss,omitempty"`
	TakeProfit float64     `json:"take_profit,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// NotionalValue is quantity x price, the basis for position-size and
// risk-impact checks. Zero when the signal carried no price.
func (s TradeSignal) NotionalValue() float64 {
	return s.Quantity * s.Price
}

type EventStatus string

const (
	EventProcessing EventStatus = "processing"
	EventProcessed  EventStatus = "processed"
	EventRejected   EventStatus = "rejected"
)

// WebhookEvent is the append-only audit record of a received signal.
// Created on intake, finalized exactly once with the evaluation outcome.
type WebhookEvent struct {
	ID             string       `json:"webhook_event_id"`
	UserID         string       `json:"user_id"`
	IdempotencyKey string       `json:"-"`
	RawPayload     []byte       `json:"-"`
	Signal         *TradeSignal `json:"signal,omitempty"`
	Status         EventStatus  `json:"status"`
	TradeID        string       `json:"trade_id,omitempty"`
	ViolationNote  string       `json:"violation_note,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

type TradeStatus string

const (
	TradeOpen   TradeStatus = "open"
	TradeClosed TradeStatus = "closed"
)

type Trade struct {
	ID          string      `json:"trade_id"`
	UserID      string      `json:"user_id"`
	Symbol      string      `json:"symbol"`
	Action      TradeAction `json:"action"`
	Quantity    float64     `json:"quantity"`
	Price       float64     `json:"price,omitempty"`
	Status      TradeStatus `json:"status"`
	RealizedPnL float64     `json:"realized_pnl"`
	OpenedAt    time.Time   `json:"opened_at"`
	ClosedAt    *time.Time  `json:"closed_at,omitempty"`
}

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

// ComplianceViolation is the ephemeral output of one rule evaluation.
// Summarized into the WebhookEvent and outbound alerts, never persisted as
// its own entity.
type ComplianceViolation struct {
	RuleType    RuleType `json:"rule_type"`
	Current     float64  `json:"current"`
	Limit       float64  `json:"limit"`
	Severity    Severity `json:"severity"`
	Message     string   `json:"message"`
	ShouldBlock bool     `json:"should_block"`
}

// ValidationResult is the Compliance Engine's verdict for one signal.
type ValidationResult struct {
	IsViolation bool                  `json:"is_violation"`
	AllowTrade  bool                  `json:"allow_trade"`
	Violations  []ComplianceViolation `json:"violations"`
	Warnings    []string              `json:"warnings"`
}

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelInApp Channel = "in_app"
)

type NotificationStatus string

const (
	NotificationSent   NotificationStatus = "sent"
	NotificationFailed NotificationStatus = "failed"
)

// Notification is one delivery attempt on one channel. Append-only.
type Notification struct {
	ID        string             `json:"notification_id"`
	UserID    string             `json:"user_id"`
	Channel   Channel            `json:"channel"`
	Status    NotificationStatus `json:"status"`
	Title     string             `json:"title"`
	Error     string             `json:"error,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// Alert is the dispatcher input: what to say and where it may go.
type Alert struct {
	UserID   string
	Title    string
	Message  string
	Severity Severity
	Channels []Channel
}

// NotificationPrefs holds per-user destinations and channel opt-ins, owned
// by the account subsystem and consumed read-only here.
type NotificationPrefs struct {
	UserID      string
	Email       string
	PhoneNumber string
	EmailOptIn  bool
	SMSOptIn    bool
	// SMSAllSeverities opts SMS into warning/minor alerts, which are
	// otherwise gated to major/critical.
	SMSAllSeverities bool
}

type Phase string

const (
	PhaseAny        Phase = ""
	PhaseEvaluation Phase = "evaluation"
	PhaseFunded     Phase = "funded"
)

// Account is the trading-account snapshot the engine evaluates against.
type Account struct {
	UserID          string
	FirmID          string
	Phase           Phase
	StartingBalance float64
	CurrentBalance  float64
}

// Firm is static prop-firm metadata, cached with a long TTL.
type Firm struct {
	ID       string
	Name     string
	Timezone string
}

// User carries the webhook token binding and the entitlement state the
// gateway fails closed on.
type User struct {
	ID                string
	TokenHash         string
	TokenEnabled      bool
	EntitlementActive bool
}
