package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Sign computes the hex HMAC-SHA256 signature over "{timestamp}.{payload}".
// The timestamp is the attempt's Unix seconds rendered in decimal; binding it
// into the signed string lets receivers reject replayed deliveries.
func Sign(secret, timestamp, payload string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(fmt.Sprintf("%s.%s", timestamp, payload)))
	return hex.EncodeToString(h.Sum(nil))
}

// SignatureHeader formats the signature for the X-Webhook-Signature header.
// Format: "sha256=<hex_signature>"
func SignatureHeader(secret, timestamp, payload string) string {
	return "sha256=" + Sign(secret, timestamp, payload)
}

// VerifySignature checks a received signature header against the expected
// value in constant time
func VerifySignature(secret, timestamp, payload, header string) bool {
	expected := SignatureHeader(secret, timestamp, payload)
	return hmac.Equal([]byte(expected), []byte(header))
}
