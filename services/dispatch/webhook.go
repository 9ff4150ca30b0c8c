package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"farewatch/models"
)

// WebhookNotifier forwards notifications to the external notification
// dispatcher over HTTP. Delivery itself (email/push/sms) is the dispatcher's
// responsibility; a non-2xx response is a transient dispatch failure.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a notifier posting to the given endpoint.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type notifyPayload struct {
	WatchID uint   `json:"watch_id"`
	Method  string `json:"method"`
	Content string `json:"content"`
}

// Dispatch posts (watchId, method, content) to the dispatcher.
func (n *WebhookNotifier) Dispatch(ctx context.Context, watchID uint, method models.NotifyMethod, content string) error {
	return post(ctx, n.client, n.url, notifyPayload{
		WatchID: watchID,
		Method:  method.String(),
		Content: content,
	})
}

// WebhookPayments forwards purchase attempts to the external payment
// dispatcher over HTTP.
type WebhookPayments struct {
	url    string
	client *http.Client
}

// NewWebhookPayments creates a payment client posting to the given endpoint.
func NewWebhookPayments(url string, timeout time.Duration) *WebhookPayments {
	return &WebhookPayments{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type purchasePayload struct {
	WatchID    uint   `json:"watch_id"`
	Price      string `json:"price"`
	PaymentRef string `json:"payment_ref"`
}

// Purchase posts (watchId, currentPrice, paymentReference) to the dispatcher.
func (p *WebhookPayments) Purchase(ctx context.Context, watchID uint, price decimal.Decimal, paymentRef string) error {
	return post(ctx, p.client, p.url, purchasePayload{
		WatchID:    watchID,
		Price:      price.StringFixed(2),
		PaymentRef: paymentRef,
	})
}

func post(ctx context.Context, client *http.Client, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode dispatch payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("dispatcher returned status %d", resp.StatusCode)
	}
	return nil
}
