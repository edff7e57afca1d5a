package gateway

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
)

// SignatureVerifier checks that a notification really came from the
// gateway. The signature is sha512(order_id + status_code + gross_amount +
// server key); anything that fails the check must be dropped before it can
// reach the state machine.
type SignatureVerifier struct {
	serverKey string
}

func NewSignatureVerifier(serverKey string) *SignatureVerifier {
	return &SignatureVerifier{serverKey: serverKey}
}

func (v *SignatureVerifier) Verify(orderID, statusCode, grossAmount, signature string) bool {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + v.serverKey))
	expected := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// VerifyNotification is a convenience wrapper over Verify for a parsed
// payload.
func (v *SignatureVerifier) VerifyNotification(n *Notification) bool {
	return v.Verify(n.OrderID, n.StatusCode, n.GrossAmount, n.SignatureKey)
}
