// Package notify delivers subscriber notifications. Delivery is always
// best-effort: failures are logged and never propagated to settlement.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrSkipped is returned when a notification lacks contact or template.
var ErrSkipped = errors.New("notification skipped")

// Notification is handed to the delivery collaborator.
type Notification struct {
	AccountNo    string          `json:"account_no"`
	Contact      string          `json:"contact"`
	Template     string          `json:"template"`
	Event        string          `json:"event"`
	ReferenceNo  string          `json:"reference_no,omitempty"`
	InvoicesPaid []int64         `json:"invoices_paid,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Balance      decimal.Decimal `json:"balance"`
}

// Notifier delivers a notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop discards notifications.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(ctx context.Context, n Notification) error { return nil }

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that only logs.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	l.logger.Info("Notification",
		zap.String("event", n.Event),
		zap.String("account_no", n.AccountNo),
		zap.String("contact", n.Contact),
		zap.String("template", n.Template),
		zap.String("amount", n.Amount.String()),
		zap.Int64s("invoices_paid", n.InvoicesPaid),
	)
	return nil
}

// WebhookNotifier POSTs notifications as JSON to a delivery service.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Notify implements Notifier.
func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Dispatch sends n, logging and swallowing any failure. It reports
// whether the notification was delivered.
func Dispatch(ctx context.Context, notifier Notifier, n Notification, logger *zap.Logger) bool {
	if notifier == nil {
		return false
	}
	if n.Contact == "" || n.Template == "" {
		logger.Debug("Notification skipped",
			zap.String("account_no", n.AccountNo),
			zap.String("event", n.Event),
			zap.Error(ErrSkipped),
		)
		return false
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("notifier panic: %v", r)
			}
		}()
		return notifier.Notify(ctx, n)
	}()
	if err != nil {
		logger.Warn("Notification failed",
			zap.String("account_no", n.AccountNo),
			zap.String("event", n.Event),
			zap.Error(err),
		)
		return false
	}
	return true
}
