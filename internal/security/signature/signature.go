// Package signature verifies the optional HMAC-SHA256 signature callers may
// attach to webhook deliveries.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrBadSignature     = errors.New("signature mismatch")
)

// Verifier checks hex HMAC-SHA256 digests over exact raw body bytes. An
// empty secret disables verification, an explicit opt-out.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	if secret == "" {
		return &Verifier{}
	}
	return &Verifier{secret: []byte(secret)}
}

// Enabled reports whether a signing secret is configured.
func (v *Verifier) Enabled() bool { return len(v.secret) > 0 }

// Sign returns the hex digest for body. Used by tests and by callers that
// need to produce outbound signatures.
func (v *Verifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares the presented hex digest against the expected one in
// constant time. With no secret configured it accepts everything.
func (v *Verifier) Verify(body []byte, presented string) error {
	if !v.Enabled() {
		return nil
	}
	if presented == "" {
		return ErrMissingSignature
	}
	got, err := hex.DecodeString(presented)
	if err != nil {
		return ErrBadSignature
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}
