package idempotency

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

const paymentFingerprintDomain = "FERFAR_PAYMENT_FP_V1"

// PaymentFingerprintV1 derives a stable opaque token for a payment proof.
// Logs and replay-detection records carry the fingerprint instead of the raw
// provider identifiers; the same (order, payment) pair always maps to the
// same token, so duplicate use is spottable across log streams.
func PaymentFingerprintV1(orderID, paymentID string) string {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(paymentFingerprintDomain))
	_, _ = h.Write([]byte(orderID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(paymentID))
	return hex.EncodeToString(h.Sum(nil)[:16])
}
