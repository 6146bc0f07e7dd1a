package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/jonadableite/turbofy-gateway/internal/domain"
)

const SignatureHeader = "X-Webhook-Signature"

const signaturePrefix = "sha256="

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the HMAC of the raw body. The header
// may carry the bare hex digest or a "sha256=" prefixed one.
func VerifySignature(body []byte, header, secret string) error {
	sig := strings.TrimSpace(header)
	if sig == "" {
		return fmt.Errorf("VerifySignature: missing signature: %w", domain.ErrInvalidSignature)
	}
	sig = strings.TrimPrefix(sig, signaturePrefix)

	expected := Sign(body, secret)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
		return fmt.Errorf("VerifySignature: %w", domain.ErrInvalidSignature)
	}
	return nil
}
