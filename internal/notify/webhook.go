package notify

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/meridian/internal/crypto"
)

// Webhook delivery headers.
const (
	HeaderWebhookTimestamp = "X-Meridian-Webhook-Timestamp"
	HeaderWebhookSignature = "X-Meridian-Webhook-Signature"
)

// WebhookSender POSTs {"title","message"} to an operator endpoint, signed
// with HMAC-SHA256 over the timestamp and body.
type WebhookSender struct {
	url    string
	signer *crypto.WebhookSigner
	client *http.Client
	now    func() time.Time
}

// NewWebhookSender creates a WebhookSender.
func NewWebhookSender(url, secret string) *WebhookSender {
	return &WebhookSender{
		url:    url,
		signer: crypto.NewWebhookSigner(secret),
		client: &http.Client{Timeout: defaultTimeout},
		now:    time.Now,
	}
}

// Send delivers a signed notification.
func (w *WebhookSender) Send(ctx context.Context, title, message string) error {
	ts := w.now().Unix()
	return postJSON(ctx, w.client, w.Name(), w.url, map[string]string{
		"title":   title,
		"message": message,
	}, func(req *http.Request, body []byte) {
		req.Header.Set(HeaderWebhookTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(HeaderWebhookSignature, w.signer.Sign(ts, body))
	})
}

// Name returns the sender identifier.
func (w *WebhookSender) Name() string {
	return "webhook"
}
