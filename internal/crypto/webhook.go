package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// WebhookSigner authenticates outgoing webhook deliveries. The signature is
// hex(HMAC-SHA256(secret, timestamp + "." + body)).
type WebhookSigner struct {
	secret []byte
}

// NewWebhookSigner creates a signer for the shared secret.
func NewWebhookSigner(secret string) *WebhookSigner {
	return &WebhookSigner{secret: []byte(secret)}
}

// Sign returns the signature for body sent at unixTS.
func (w *WebhookSigner) Sign(unixTS int64, body []byte) string {
	mac := hmac.New(sha256.New, w.secret)
	mac.Write([]byte(strconv.FormatInt(unixTS, 10)))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig matches body sent at unixTS.
func (w *WebhookSigner) Verify(unixTS int64, body []byte, sig string) bool {
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	got, _ := hex.DecodeString(w.Sign(unixTS, body))
	return hmac.Equal(want, got)
}

// String returns a redacted representation suitable for logging.
func (w *WebhookSigner) String() string {
	return "WebhookSigner{secret=****}"
}
