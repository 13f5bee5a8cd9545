// Package token issues and validates the opaque per-user webhook tokens
// embedded in callback addresses.
package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"

	"tradegate/internal/store"
)

// tokenBytes is the entropy of a webhook token; hex-encoded to 64 chars.
const tokenBytes = 32

var tokenShape = regexp.MustCompile(`^[0-9a-f]{64}$`)

var (
	// ErrMalformed: the presented value does not look like a token at all.
	ErrMalformed = errors.New("malformed webhook token")
	// ErrUnknown: well-formed but matches no active token.
	ErrUnknown = errors.New("unknown webhook token")
	// ErrNoEntitlement: the token resolves but the user holds no active
	// entitlement; the gateway fails closed.
	ErrNoEntitlement = errors.New("entitlement inactive")
)

// Authority creates, validates, and regenerates webhook tokens. Only the
// sha256 of a token is ever persisted.
type Authority struct {
	store     store.Store
	publicURL string
}

func NewAuthority(st store.Store, publicURL string) *Authority {
	return &Authority{store: st, publicURL: publicURL}
}

// requireEntitlement loads the user and fails closed when the entitlement
// has lapsed. Every token-management operation passes through here.
func (a *Authority) requireEntitlement(ctx context.Context, userID string) error {
	user, err := a.store.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if !user.EntitlementActive {
		return ErrNoEntitlement
	}
	return nil
}

// Issue generates a fresh token for the user and persists its hash,
// atomically replacing any prior token. The plaintext token is returned
// exactly once.
func (a *Authority) Issue(ctx context.Context, userID string) (string, error) {
	if err := a.requireEntitlement(ctx, userID); err != nil {
		return "", err
	}

	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(buf)

	if err := a.store.SaveWebhookToken(ctx, userID, HashToken(token)); err != nil {
		return "", fmt.Errorf("persist token: %w", err)
	}
	return token, nil
}

// Regenerate is Issue under its lifecycle name: the prior token stops
// resolving the moment the new hash is written.
func (a *Authority) Regenerate(ctx context.Context, userID string) (string, error) {
	return a.Issue(ctx, userID)
}

// Disable invalidates the user's current token without issuing a new one.
func (a *Authority) Disable(ctx context.Context, userID string) error {
	if err := a.requireEntitlement(ctx, userID); err != nil {
		return err
	}
	return a.store.SetTokenEnabled(ctx, userID, false)
}

// Enable re-activates a previously disabled token.
func (a *Authority) Enable(ctx context.Context, userID string) error {
	if err := a.requireEntitlement(ctx, userID); err != nil {
		return err
	}
	return a.store.SetTokenEnabled(ctx, userID, true)
}

// Validate resolves a presented token to a user id. It fails closed on
// shape, resolution, disabled tokens, and missing entitlement, with
// distinct errors so the gateway can map each to its status.
func (a *Authority) Validate(ctx context.Context, token string) (string, error) {
	if !tokenShape.MatchString(token) {
		return "", ErrMalformed
	}

	user, err := a.store.GetUserByTokenHash(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrUnknown
		}
		return "", fmt.Errorf("resolve token: %w", err)
	}
	if !user.TokenEnabled {
		return "", ErrUnknown
	}
	if !user.EntitlementActive {
		return "", ErrNoEntitlement
	}
	return user.ID, nil
}

// CallbackURL composes the stable webhook address for a token.
func (a *Authority) CallbackURL(token string) string {
	return a.publicURL + "/webhook/" + token
}

// HashToken returns the hex sha256 digest stored in place of the token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
