// Package parser normalizes heterogeneous webhook payloads into canonical
// trade signals. Two shapes are accepted: structured JSON exposing
// symbol/action fields directly, and a free-text message body of
// key: value lines.
package parser

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"tradegate/internal/domain"
)

var (
	ErrMissingSymbol = errors.New("signal missing symbol")
	ErrMissingAction = errors.New("signal missing or unrecognized action")
)

// Parse converts a decoded JSON payload into a TradeSignal. Symbol and
// action are hard preconditions; quantity defaults to 1 and every numeric
// field is coerced to a positive magnitude.
func Parse(payload map[string]interface{}) (*domain.TradeSignal, error) {
	if text, ok := messageBody(payload); ok {
		return parseFreeText(text)
	}
	return parseStructured(payload)
}

func messageBody(payload map[string]interface{}) (string, bool) {
	for _, key := range []string{"message", "text"} {
		if v, ok := payload[key]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return s, true
			}
		}
	}
	return "", false
}

func parseStructured(payload map[string]interface{}) (*domain.TradeSignal, error) {
	symbol := strings.ToUpper(strings.TrimSpace(stringField(payload, "symbol")))
	if symbol == "" {
		return nil, ErrMissingSymbol
	}

	action := strings.ToLower(strings.TrimSpace(stringField(payload, "action", "side")))
	if !domain.ValidAction(action) {
		return nil, ErrMissingAction
	}

	quantity := math.Abs(numberField(payload, "quantity", "size"))
	if quantity <= 0 {
		quantity = 1
	}

	sig := &domain.TradeSignal{
		Symbol:     symbol,
		Action:     domain.TradeAction(action),
		Quantity:   quantity,
		Price:      math.Abs(numberField(payload, "price")),
		StopLoss:   math.Abs(numberField(payload, "stop_loss", "stoploss")),
		TakeProfit: math.Abs(numberField(payload, "take_profit", "takeprofit")),
		Timestamp:  timestampField(payload),
	}
	return sig, nil
}

// parseFreeText splits the message into non-empty lines, each split on the
// first colon into a key and value. Unrecognized keys are ignored; invalid
// values leave the field unset rather than failing the whole parse.
func parseFreeText(text string) (*domain.TradeSignal, error) {
	sig := &domain.TradeSignal{Quantity: 1, Timestamp: time.Now().UTC()}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		colon := strings.Index(line, ":")
		if colon <= 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:colon]))
		value := strings.TrimSpace(line[colon+1:])
		if value == "" {
			continue
		}

		switch key {
		case "symbol":
			sig.Symbol = strings.ToUpper(value)
		case "action", "side":
			action := strings.ToLower(value)
			if domain.ValidAction(action) {
				sig.Action = domain.TradeAction(action)
			}
		case "quantity", "size":
			if n, ok := positiveNumber(value); ok {
				sig.Quantity = n
			}
		case "price":
			if n, ok := positiveNumber(value); ok {
				sig.Price = n
			}
		case "stop_loss", "stoploss":
			if n, ok := positiveNumber(value); ok {
				sig.StopLoss = n
			}
		case "take_profit", "takeprofit":
			if n, ok := positiveNumber(value); ok {
				sig.TakeProfit = n
			}
		}
	}

	if sig.Symbol == "" {
		return nil, ErrMissingSymbol
	}
	if sig.Action == "" {
		return nil, ErrMissingAction
	}
	return sig, nil
}

func positiveNumber(raw string) (float64, bool) {
	n, err := strconv.ParseFloat(strings.TrimPrefix(raw, "$"), 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func stringField(payload map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if v, ok := payload[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func numberField(payload map[string]interface{}, keys ...string) float64 {
	for _, key := range keys {
		v, ok := payload[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		case string:
			if parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				return parsed
			}
		}
	}
	return 0
}

func timestampField(payload map[string]interface{}) time.Time {
	if v, ok := payload["timestamp"]; ok {
		switch ts := v.(type) {
		case string:
			if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
				return parsed.UTC()
			}
		case float64:
			if ts > 0 {
				return time.Unix(int64(ts), 0).UTC()
			}
		}
	}
	return time.Now().UTC()
}
