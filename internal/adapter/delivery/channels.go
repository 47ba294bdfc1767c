package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"electricity-vending/internal/core/domain"
	"electricity-vending/internal/core/ports"

	"github.com/rs/zerolog"
)

// Channel names accepted in vending.delivery.channel.
const (
	ChannelLog     = "log"
	ChannelWebhook = "webhook"
)

// LogChannel simulates SMS/e-mail dispatch by logging the message.
type LogChannel struct {
	log zerolog.Logger
}

// NewLogChannel creates a channel that writes deliveries to log.
func NewLogChannel(log zerolog.Logger) *LogChannel {
	return &LogChannel{log: log}
}

func (c *LogChannel) Name() string { return ChannelLog }

func (c *LogChannel) Send(ctx context.Context, msg domain.DeliveryMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.log.Info().
		Str("purchase_id", msg.PurchaseID).
		Str("method", string(msg.Method)).
		Str("destination", maskDestination(msg.Destination)).
		Str("units", msg.Units).
		Int("attempt", msg.AttemptNumber).
		Msg("token dispatched")
	return nil
}

// HTTPDoer is the subset of *http.Client the webhook channel needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebhookChannel POSTs each delivery to an SMS/e-mail relay, signed with
// HMAC-SHA256 over "timestamp.body".
type WebhookChannel struct {
	url    string
	secret string
	sigSvc ports.SignatureService
	client HTTPDoer
}

// NewWebhookChannel creates a channel that relays deliveries to url.
func NewWebhookChannel(url, secret string, sigSvc ports.SignatureService, client HTTPDoer) *WebhookChannel {
	return &WebhookChannel{url: url, secret: secret, sigSvc: sigSvc, client: client}
}

func (c *WebhookChannel) Name() string { return ChannelWebhook }

func (c *WebhookChannel) Send(ctx context.Context, msg domain.DeliveryMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	now := time.Now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Timestamp", strconv.FormatInt(now, 10))
	req.Header.Set("X-Signature", c.sigSvc.SignEnvelope(c.secret, now, body))
	req.Header.Set("Idempotency-Key", msg.PurchaseID+"-"+strconv.Itoa(msg.AttemptNumber))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("relay request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("relay responded %d", resp.StatusCode)
	}
	return nil
}

// maskDestination keeps the last four characters of a phone number or the
// domain of an e-mail address.
func maskDestination(dest string) string {
	if at := strings.LastIndex(dest, "@"); at > 0 {
		return "***" + dest[at:]
	}
	if len(dest) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(dest)-4) + dest[len(dest)-4:]
}
