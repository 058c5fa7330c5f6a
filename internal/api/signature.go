package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

const (
	signatureHeader     = "X-Payload-Signature"
	internalTokenHeader = "X-Internal-Token"
)

// ComputeSignature returns the lowercase hex HMAC-SHA256 of body under secret.
func ComputeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the provider's signature header against the raw
// request body. An empty secret or header never verifies.
func VerifySignature(body []byte, header, secret string) bool {
	if secret == "" || header == "" {
		return false
	}
	expected := ComputeSignature(body, secret)
	return hmac.Equal([]byte(expected), []byte(header))
}
