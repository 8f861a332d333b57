// Package webhook delivers rule action payloads to external HTTP endpoints.
// Every delivery is signed with HMAC-SHA256, retried on transient failures
// and kept in a bounded delivery log exposed over HTTP.
package webhook

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
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ruleengine/pkg/pagination"
)

// ---------------------------------------------------------------------------
// Domain structs
// ---------------------------------------------------------------------------

// Delivery is one webhook POST, possibly after several attempts.
type Delivery struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	RuleID       string    `json:"rule_id,omitempty"`
	RuleName     string    `json:"rule_name,omitempty"`
	Event        string    `json:"event"`
	Signature    string    `json:"signature"`
	StatusCode   int       `json:"status_code"`
	ResponseBody string    `json:"response_body,omitempty"`
	Attempts     int       `json:"attempts"`
	Status       string    `json:"status"` // "success", "failed"
	Error        string    `json:"error,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// Request describes what to send.
type Request struct {
	URL      string
	Event    string
	RuleID   string
	RuleName string
	Body     any
	Headers  map[string]string
}

// ---------------------------------------------------------------------------
// Delivery log
// ---------------------------------------------------------------------------

// DeliveryLog keeps the most recent deliveries in memory, newest last.
type DeliveryLog struct {
	mu    sync.RWMutex
	items []*Delivery
	max   int
}

func NewDeliveryLog(max int) *DeliveryLog {
	if max <= 0 {
		max = 1000
	}
	return &DeliveryLog{max: max}
}

func (l *DeliveryLog) Record(d *Delivery) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, d)
	if over := len(l.items) - l.max; over > 0 {
		l.items = append([]*Delivery(nil), l.items[over:]...)
	}
}

// List returns deliveries newest first, optionally for one rule.
func (l *DeliveryLog) List(ruleID string, limit, offset int) ([]*Delivery, int) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var filtered []*Delivery
	for i := len(l.items) - 1; i >= 0; i-- {
		d := l.items[i]
		if ruleID == "" || d.RuleID == ruleID {
			filtered = append(filtered, d)
		}
	}
	total := len(filtered)
	if offset >= total {
		return []*Delivery{}, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return filtered[offset:end], total
}

// ---------------------------------------------------------------------------
// Signature helpers
// ---------------------------------------------------------------------------

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ---------------------------------------------------------------------------
// Sender
// ---------------------------------------------------------------------------

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) SenderOption {
	return func(s *Sender) { s.httpClient = c }
}

// WithMaxRetries sets the number of retries after the first attempt.
func WithMaxRetries(n int) SenderOption {
	return func(s *Sender) { s.maxRetries = n }
}

// WithRetryDelays sets the wait before each retry. The last delay repeats.
func WithRetryDelays(d ...time.Duration) SenderOption {
	return func(s *Sender) { s.retryDelays = d }
}

// WithLogger sets the logger for failed attempts.
func WithLogger(l zerolog.Logger) SenderOption {
	return func(s *Sender) { s.logger = l }
}

// Sender signs and posts webhook requests.
type Sender struct {
	secret      string
	log         *DeliveryLog
	httpClient  *http.Client
	maxRetries  int
	retryDelays []time.Duration
	logger      zerolog.Logger
}

// NewSender creates a Sender. An empty secret sends unsigned requests.
func NewSender(secret string, log *DeliveryLog, opts ...SenderOption) *Sender {
	if log == nil {
		log = NewDeliveryLog(0)
	}
	s := &Sender{
		secret: secret,
		log:    log,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		maxRetries:  3,
		retryDelays: []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
		logger:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Log returns the sender's delivery log.
func (s *Sender) Log() *DeliveryLog { return s.log }

// ValidateURL checks that the URL is non-empty and uses http or https.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

func (s *Sender) delay(retry int) time.Duration {
	if len(s.retryDelays) == 0 {
		return 0
	}
	if retry >= len(s.retryDelays) {
		return s.retryDelays[len(s.retryDelays)-1]
	}
	return s.retryDelays[retry]
}

// retryable reports whether a response status is worth another attempt.
func retryable(status int) bool {
	return status == 0 || status == http.StatusTooManyRequests || status >= 500
}

// Send posts req.Body as JSON and retries transient failures. The returned
// delivery is also recorded in the log; err is non-nil unless the final
// attempt got a 2xx response.
func (s *Sender) Send(ctx context.Context, req Request) (*Delivery, error) {
	if err := ValidateURL(req.URL); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(req.Body)
	if err != nil {
		return nil, fmt.Errorf("encode webhook body: %w", err)
	}

	d := &Delivery{
		ID:        uuid.New().String(),
		URL:       req.URL,
		RuleID:    req.RuleID,
		RuleName:  req.RuleName,
		Event:     req.Event,
		CreatedAt: time.Now().UTC(),
	}
	if s.secret != "" {
		d.Signature = SignPayload(payload, s.secret)
	}

	start := time.Now()
retry:
	for attempt := 0; ; attempt++ {
		d.Attempts = attempt + 1
		s.attempt(ctx, d, req, payload)
		if d.Status == "success" || !retryable(d.StatusCode) || attempt >= s.maxRetries {
			break
		}
		s.logger.Warn().
			Str("url", req.URL).
			Int("attempt", d.Attempts).
			Int("status_code", d.StatusCode).
			Str("error", d.Error).
			Msg("webhook attempt failed")
		select {
		case <-ctx.Done():
			d.Error = ctx.Err().Error()
			break retry
		case <-time.After(s.delay(attempt)):
		}
	}
	d.DurationMs = time.Since(start).Milliseconds()
	s.log.Record(d)

	if d.Status != "success" {
		return d, fmt.Errorf("webhook %s: %s", req.URL, d.Error)
	}
	return d, nil
}

func (s *Sender) attempt(ctx context.Context, d *Delivery, req Request, payload []byte) {
	d.Status = "failed"
	d.StatusCode = 0
	d.ResponseBody = ""

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(payload))
	if err != nil {
		d.Error = err.Error()
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Webhook-ID", d.ID)
	httpReq.Header.Set("X-Webhook-Event", req.Event)
	httpReq.Header.Set("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339))
	if d.Signature != "" {
		httpReq.Header.Set("X-Webhook-Signature", "sha256="+d.Signature)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		d.Error = err.Error()
		return
	}
	defer resp.Body.Close()

	d.StatusCode = resp.StatusCode
	// Read at most 1KB of response body.
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	d.ResponseBody = string(bodyBytes)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.Status = "success"
		d.Error = ""
		return
	}
	d.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

// Handler exposes the delivery log.
type Handler struct {
	log *DeliveryLog
}

func NewHandler(log *DeliveryLog) *Handler {
	return &Handler{log: log}
}

// RegisterRoutes binds GET /webhook-deliveries on g.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/webhook-deliveries", h.ListDeliveries)
}

// ListDeliveries handles GET /webhook-deliveries?rule_id=.
func (h *Handler) ListDeliveries(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total := h.log.List(c.QueryParam("rule_id"), pg.Limit, pg.Offset)
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
