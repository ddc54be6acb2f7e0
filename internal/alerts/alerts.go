// Package alerts delivers ledger integrity events to operator webhooks and
// mailboxes.
package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event types dispatched by the integrity monitor.
const (
	EventLedgerTampered  = "ledger.tampered"
	EventLedgerRecovered = "ledger.recovered"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Audit-Signature"

// Event is the JSON body posted to every endpoint.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// Config holds alert delivery configuration.
type Config struct {
	URLs    []string
	Secret  string          // HMAC key; empty disables signing
	Retries []time.Duration // wait before each retry; nil = 1s, 5s
	Timeout time.Duration
}

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Dispatcher posts events to the configured URLs with retries.
type Dispatcher struct {
	cfg        Config
	httpClient *http.Client
	mailer     Mailer
	mailTo     []string
	onMetrics  MetricsRecorder
	wg         sync.WaitGroup
	logger     *zap.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Retries == nil {
		cfg.Retries = []time.Duration{1 * time.Second, 5 * time.Second}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Dispatcher{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (d *Dispatcher) SetMetricsRecorder(fn MetricsRecorder) {
	d.onMetrics = fn
}

// SetMailer enables email delivery of every event to recipients.
func (d *Dispatcher) SetMailer(m Mailer, recipients []string) {
	d.mailer = m
	d.mailTo = recipients
}

// Dispatch fans the event out to every URL and mail recipient in the
// background. It matches the monitor's alert callback.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, payload map[string]string) {
	if len(d.cfg.URLs) == 0 && (d.mailer == nil || len(d.mailTo) == 0) {
		return
	}
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("alerts: marshal event", zap.Error(err))
		return
	}

	signature := ""
	if d.cfg.Secret != "" {
		signature = Sign(body, d.cfg.Secret)
	}
	ctx = context.WithoutCancel(ctx)

	for _, url := range d.cfg.URLs {
		d.wg.Add(1)
		go func(url string) {
			defer d.wg.Done()
			d.deliver(url, event.Type, func() error {
				return d.post(ctx, url, body, signature)
			})
		}(url)
	}

	if d.mailer == nil {
		return
	}
	subject, text := mailContent(event)
	for _, to := range d.mailTo {
		d.wg.Add(1)
		go func(to string) {
			defer d.wg.Done()
			d.deliver("mailto:"+to, event.Type, func() error {
				return d.mailer.Send(ctx, to, subject, text)
			})
		}(to)
	}
}

// Wait blocks until all in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// deliver sends one event to one target, retrying on failure.
func (d *Dispatcher) deliver(target, eventType string, send func() error) {
	attempts := len(d.cfg.Retries) + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			time.Sleep(d.cfg.Retries[attempt-2])
		}

		err := send()
		if d.onMetrics != nil {
			d.onMetrics(err == nil)
		}
		if err == nil {
			d.logger.Info("alerts: delivered", zap.String("target", target), zap.String("type", eventType))
			return
		}

		d.logger.Warn("alerts: delivery failed",
			zap.String("target", target),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the HMAC-SHA256 signature receivers use to authenticate an alert.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}
