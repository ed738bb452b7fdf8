package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/config"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/metrics"
	"github.com/therealutkarshpriyadarshi/tbmclip/pkg/models"
	"golang.org/x/sync/errgroup"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	EventHeader     = "X-Webhook-Event"
	DeliveryHeader  = "X-Webhook-Delivery"
)

// Notifier posts signed clip events to the configured endpoints
type Notifier struct {
	client     *http.Client
	urls       []string
	secret     string
	maxRetries int
	backoff    []time.Duration
	logger     zerolog.Logger
}

// Retry delays between attempts: 1s, 5s, 15s
var defaultBackoff = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
}

// NewNotifier creates a notifier for cfg.URLs
func NewNotifier(cfg config.WebhookConfig, logger zerolog.Logger) *Notifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		client:     &http.Client{Timeout: timeout},
		urls:       cfg.URLs,
		secret:     cfg.Secret,
		maxRetries: cfg.MaxRetries,
		backoff:    defaultBackoff,
		logger:     logger.With().Str("component", "webhook").Logger(),
	}
}

// Enabled reports whether any endpoint is configured
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.urls) > 0
}

// Notify sends event with data to every endpoint and waits for all
// deliveries, including retries, to finish.
func (n *Notifier) Notify(ctx context.Context, event string, data interface{}) error {
	if !n.Enabled() {
		return nil
	}

	payload := models.WebhookEvent{
		ID:        uuid.New().String(),
		Event:     event,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	errs := make([]error, len(n.urls))
	for i, url := range n.urls {
		i, url := i, url
		g.Go(func() error {
			errs[i] = n.deliver(gctx, url, payload.ID, event, body)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// NotifyClipReady announces a stored derivative
func (n *Notifier) NotifyClipReady(ctx context.Context, clip *models.Clip) error {
	return n.Notify(ctx, models.WebhookEventClipReady, clip)
}

// NotifyClipFailed announces a clip that could not be produced
func (n *Notifier) NotifyClipFailed(ctx context.Context, clip *models.Clip) error {
	return n.Notify(ctx, models.WebhookEventClipFailed, clip)
}

func (n *Notifier) deliver(ctx context.Context, url, deliveryID, event string, body []byte) error {
	var lastErr error
	for attempt := 0; attempt <= n.maxRetries; attempt++ {
		if attempt > 0 {
			delay := n.backoff[min(attempt-1, len(n.backoff)-1)]
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("webhook %s: %w (last error: %v)", url, ctx.Err(), lastErr)
			case <-timer.C:
			}
		}

		retry, err := n.send(ctx, url, deliveryID, event, body)
		if err == nil {
			n.logger.Debug().
				Str("url", url).
				Str("event", event).
				Str("delivery_id", deliveryID).
				Int("attempt", attempt+1).
				Msg("Webhook delivered")
			return nil
		}
		lastErr = err
		n.logger.Warn().Err(err).
			Str("url", url).
			Str("event", event).
			Int("attempt", attempt+1).
			Msg("Webhook delivery failed")
		if !retry {
			break
		}
	}

	metrics.RecordError("webhook", "delivery_failed")
	return fmt.Errorf("webhook %s: %w", url, lastErr)
}

// send performs one POST. It reports whether a failure is worth retrying.
func (n *Notifier) send(ctx context.Context, url, deliveryID, event string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}

	// Set headers
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "TBMClip-Webhook/1.0")
	req.Header.Set(EventHeader, event)
	req.Header.Set(DeliveryHeader, deliveryID)

	// Add HMAC signature if secret is configured
	if n.secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, n.secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("unexpected status %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}

// Sign generates the HMAC-SHA256 signature header value for payload
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a signature header value against payload
func VerifySignature(payload []byte, signature, secret string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(Sign(payload, secret)))
}
