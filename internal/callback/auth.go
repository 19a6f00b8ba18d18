// Package callback implements the mutual-authentication protocol for
// supplier completion callbacks: an HMAC-SHA256 signature over
// "<timestamp>.<nonce>.<raw body>" plus a single-use nonce.
package callback

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderTimestamp = "x-callback-timestamp"
	HeaderNonce     = "x-callback-nonce"
	HeaderSignature = "x-callback-signature"
)

// Sign computes the hex HMAC-SHA256 signature a supplier attaches to a
// callback body.
func Sign(secret, timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s.%s.", timestamp, nonce)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the expected signature and compares it in
// constant time.
func VerifySignature(secret, timestamp, nonce, signature string, body []byte) bool {
	expected := Sign(secret, timestamp, nonce, body)
	return SafeEqual(expected, signature)
}

// SafeEqual is a constant-time string comparison.
func SafeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Signed is a callback body with the three authentication headers attached.
type Signed struct {
	Body    []byte
	Headers map[string]string
}

// BuildSigned signs a serialized callback body with a fresh timestamp and
// nonce. Suppliers use this to produce authenticated callbacks.
func BuildSigned(body []byte, secret string) Signed {
	timestamp := fmt.Sprintf("%d", time.Now().UnixMilli())
	nonce := uuid.NewString()

	return Signed{
		Body: body,
		Headers: map[string]string{
			HeaderTimestamp: timestamp,
			HeaderNonce:     nonce,
			HeaderSignature: Sign(secret, timestamp, nonce, body),
		},
	}
}
