// Package idempotency fingerprints logical signals so repeated deliveries
// of the same signal collapse onto one webhook event.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"tradegate/internal/domain"
)

// Key is the deterministic digest over (user, symbol, action, timestamp).
// The data store enforces uniqueness on it; two near-simultaneous duplicate
// deliveries race to insert and the loser sees the conflict.
func Key(userID string, signal domain.TradeSignal) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d",
		userID, signal.Symbol, signal.Action, signal.Timestamp.UTC().Unix())))
	return hex.EncodeToString(sum[:])
}
