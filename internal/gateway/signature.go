package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const SignatureHeader = "X-Gateway-Signature"

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the raw body. The header may carry a
// "sha256=" prefix. An empty secret never verifies.
func VerifySignature(secret string, body []byte, header string) bool {
	if strings.TrimSpace(secret) == "" {
		return false
	}
	sigHex := strings.TrimSpace(header)
	sigHex = strings.TrimPrefix(sigHex, "sha256=")
	if sigHex == "" {
		return false
	}
	provided, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hmac.Equal(mac.Sum(nil), provided)
}
