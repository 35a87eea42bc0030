// Package payment covers the two touch points with the payment provider:
// creating orders and verifying the signed proof a client presents at
// admission time.
package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidConfig = errors.New("payment: invalid config")
	// ErrVerificationFailed means the proof does not match the shared secret.
	// Admission must stop before any state is created.
	ErrVerificationFailed = errors.New("payment: verification failed")
)

// Proof is the tuple the provider hands the client after a successful
// checkout. Signature is hex-encoded HMAC-SHA256 over "order_id|payment_id".
type Proof struct {
	OrderID   string
	PaymentID string
	Signature string
}

// Verifier checks payment proofs against the provider's shared secret.
// It is stateless and safe for concurrent use.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("%w: empty secret", ErrInvalidConfig)
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Verify recomputes the expected signature and compares in constant time.
// No side effects on failure.
func (v *Verifier) Verify(p Proof) error {
	if v == nil || len(v.secret) == 0 {
		return fmt.Errorf("%w: nil verifier", ErrInvalidConfig)
	}
	orderID := strings.TrimSpace(p.OrderID)
	paymentID := strings.TrimSpace(p.PaymentID)
	sig := strings.TrimSpace(p.Signature)
	if orderID == "" || paymentID == "" || sig == "" {
		return ErrVerificationFailed
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(orderID))
	mac.Write([]byte("|"))
	mac.Write([]byte(paymentID))
	want := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(want), []byte(strings.ToLower(sig))) {
		return ErrVerificationFailed
	}
	return nil
}
