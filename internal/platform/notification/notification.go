// Package notification delivers rule alerts over email, SMS and an in-app
// inbox, with template rendering and an Echo handler for reading the inbox.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ruleengine/pkg/pagination"
)

// ---------------------------------------------------------------------------
// Notification Types
// ---------------------------------------------------------------------------

// Channel is the medium used to deliver a notification.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelInApp Channel = "in_app"
)

// Channels lists the supported channels.
var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelInApp}

var (
	ErrNotFound           = errors.New("notification not found")
	ErrUnsupportedChannel = errors.New("unsupported notification channel")
)

// ---------------------------------------------------------------------------
// Notification
// ---------------------------------------------------------------------------

// Notification represents a single outbound notification.
type Notification struct {
	ID           string            `json:"id"`
	Channel      Channel           `json:"channel"`
	Recipient    string            `json:"recipient"`
	Subject      string            `json:"subject,omitempty"`
	Body         string            `json:"body"`
	TemplateID   string            `json:"template_id,omitempty"`
	TemplateData map[string]string `json:"template_data,omitempty"`
	Priority     string            `json:"priority"`
	PatientID    string            `json:"patient_id,omitempty"`
	RuleID       string            `json:"rule_id,omitempty"`
	Status       string            `json:"status"`
	Read         bool              `json:"read"`
	CreatedAt    time.Time         `json:"created_at"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// ---------------------------------------------------------------------------
// Sender Interfaces
// ---------------------------------------------------------------------------

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMSSender is the interface for sending SMS messages.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// LogSender writes outbound messages to the log. It is the default sender
// until an email or SMS gateway is configured.
type LogSender struct {
	Logger zerolog.Logger
}

func (s LogSender) SendEmail(_ context.Context, to, subject, body string) error {
	s.Logger.Info().Str("channel", "email").Str("to", to).Str("subject", subject).Int("body_len", len(body)).Msg("notification sent")
	return nil
}

func (s LogSender) SendSMS(_ context.Context, to, body string) error {
	s.Logger.Info().Str("channel", "sms").Str("to", to).Int("body_len", len(body)).Msg("notification sent")
	return nil
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template defines a reusable notification template.
type Template struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Subject string  `json:"subject"`
	Body    string  `json:"body"`
	Channel Channel `json:"channel"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      "critical-lab",
			Name:    "Critical Lab Value",
			Subject: "Critical result for patient {{patient_id}}",
			Body:    "{{test}} resulted {{value}}{{unit}}, outside the reference range. Review and acknowledge.",
			Channel: ChannelEmail,
		},
		{
			ID:      "care-gap",
			Name:    "Care Gap",
			Subject: "Care gap: {{measure}}",
			Body:    "Patient {{patient_id}} is due for {{measure}}. Last completed {{last_done}}.",
			Channel: ChannelInApp,
		},
		{
			ID:      "medication-alert",
			Name:    "Medication Alert",
			Subject: "Medication alert for patient {{patient_id}}",
			Body:    "{{medication}}: {{reason}}",
			Channel: ChannelInApp,
		},
		{
			ID:      "vitals-alert",
			Name:    "Abnormal Vitals",
			Subject: "Abnormal vitals",
			Body:    "Patient {{patient_id}}: {{measurement}} {{value}}. Please assess.",
			Channel: ChannelSMS,
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Get returns a copy of the template.
func (e *TemplateEngine) Get(templateID string) (Template, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.templates[templateID]
	if !ok {
		return Template{}, false
	}
	return *t, true
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	t, ok := e.Get(templateID)
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// ---------------------------------------------------------------------------
// Notification Manager
// ---------------------------------------------------------------------------

// Manager sends notifications and keeps them, so in-app messages can be
// read back and failed ones retried.
type Manager struct {
	emailSender   EmailSender
	smsSender     SMSSender
	templates     *TemplateEngine
	mu            sync.RWMutex
	notifications map[string]*Notification
}

// NewManager constructs a Manager. Nil senders fall back to a no-op LogSender.
func NewManager(email EmailSender, sms SMSSender, tpl *TemplateEngine) *Manager {
	if email == nil {
		email = LogSender{Logger: zerolog.Nop()}
	}
	if sms == nil {
		sms = LogSender{Logger: zerolog.Nop()}
	}
	if tpl == nil {
		tpl = NewTemplateEngine()
	}
	return &Manager{
		emailSender:   email,
		smsSender:     sms,
		templates:     tpl,
		notifications: make(map[string]*Notification),
	}
}

// Templates returns the manager's template engine.
func (m *Manager) Templates() *TemplateEngine { return m.templates }

func (m *Manager) deliver(ctx context.Context, n *Notification) error {
	switch n.Channel {
	case ChannelEmail:
		return m.emailSender.SendEmail(ctx, n.Recipient, n.Subject, n.Body)
	case ChannelSMS:
		return m.smsSender.SendSMS(ctx, n.Recipient, n.Body)
	case ChannelInApp:
		// Stored below; reading the inbox is the delivery.
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedChannel, n.Channel)
	}
}

func (m *Manager) markResult(n *Notification, sendErr error) {
	if sendErr != nil {
		n.Status = "failed"
		n.Error = sendErr.Error()
		return
	}
	n.Status = "sent"
	n.Error = ""
	sentAt := time.Now().UTC()
	n.SentAt = &sentAt
}

// Send dispatches a notification through its channel, assigns an ID and
// timestamps, and stores the result.
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	if n.Recipient == "" {
		return errors.New("recipient is required")
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Priority == "" {
		n.Priority = "normal"
	}
	n.CreatedAt = time.Now().UTC()
	n.Status = "pending"

	sendErr := m.deliver(ctx, n)

	m.mu.Lock()
	m.markResult(n, sendErr)
	m.notifications[n.ID] = n
	m.mu.Unlock()

	return sendErr
}

// SendFromTemplate renders a template and sends it on the template's
// channel unless n already names one.
func (m *Manager) SendFromTemplate(ctx context.Context, templateID string, data map[string]string, n *Notification) error {
	tpl, ok := m.templates.Get(templateID)
	if !ok {
		return fmt.Errorf("template %q not found", templateID)
	}
	subject, body, err := m.templates.Render(templateID, data)
	if err != nil {
		return fmt.Errorf("render template: %w", err)
	}
	if n.Channel == "" {
		n.Channel = tpl.Channel
	}
	n.Subject = subject
	n.Body = body
	n.TemplateID = templateID
	n.TemplateData = data
	return m.Send(ctx, n)
}

// Get retrieves a notification by ID.
func (m *Manager) Get(_ context.Context, id string) (*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

// Inbox returns a recipient's in-app notifications, newest first.
func (m *Manager) Inbox(_ context.Context, recipient string, unreadOnly bool, limit, offset int) ([]*Notification, int) {
	m.mu.RLock()
	var list []*Notification
	for _, n := range m.notifications {
		if n.Channel != ChannelInApp || n.Recipient != recipient {
			continue
		}
		if unreadOnly && n.Read {
			continue
		}
		cp := *n
		list = append(list, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	total := len(list)
	if offset >= total {
		return []*Notification{}, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return list[offset:end], total
}

// MarkRead flags an in-app notification as read.
func (m *Manager) MarkRead(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return ErrNotFound
	}
	n.Read = true
	return nil
}

// Retry re-sends a failed notification. Returns an error if the notification is
// not in "failed" status.
func (m *Manager) Retry(ctx context.Context, id string) error {
	m.mu.RLock()
	n, ok := m.notifications[id]
	var snapshot Notification
	if ok {
		snapshot = *n
	}
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if snapshot.Status != "failed" {
		return fmt.Errorf("notification %q is not in failed status (current: %s)", id, snapshot.Status)
	}

	sendErr := m.deliver(ctx, &snapshot)

	m.mu.Lock()
	m.markResult(n, sendErr)
	m.mu.Unlock()

	return sendErr
}

// Stats returns counts of notifications grouped by status.
func (m *Manager) Stats(_ context.Context) map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]int)
	for _, n := range m.notifications {
		stats[n.Status]++
	}
	return stats
}

// ---------------------------------------------------------------------------
// HTTP Handler
// ---------------------------------------------------------------------------

// Handler exposes the in-app inbox over HTTP via Echo.
type Handler struct {
	manager *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{manager: mgr}
}

// RegisterRoutes registers the notification routes on the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications", h.HandleInbox)
	g.GET("/notifications/stats", h.HandleStats)
	g.GET("/notifications/:id", h.HandleGet)
	g.POST("/notifications/:id/read", h.HandleMarkRead)
	g.POST("/notifications/:id/retry", h.HandleRetry)
}

// HandleInbox handles GET /notifications?recipient=...&unread=true
func (h *Handler) HandleInbox(c echo.Context) error {
	recipient := c.QueryParam("recipient")
	if recipient == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "recipient query parameter is required")
	}
	pg := pagination.FromContext(c)
	items, total := h.manager.Inbox(c.Request().Context(), recipient, c.QueryParam("unread") == "true", pg.Limit, pg.Offset)
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// HandleGet handles GET /notifications/:id.
func (h *Handler) HandleGet(c echo.Context) error {
	n, err := h.manager.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, n)
}

// HandleMarkRead handles POST /notifications/:id/read.
func (h *Handler) HandleMarkRead(c echo.Context) error {
	if err := h.manager.MarkRead(c.Request().Context(), c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleRetry handles POST /notifications/:id/retry.
func (h *Handler) HandleRetry(c echo.Context) error {
	id := c.Param("id")
	if err := h.manager.Retry(c.Request().Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	n, _ := h.manager.Get(c.Request().Context(), id)
	return c.JSON(http.StatusOK, n)
}

// HandleStats handles GET /notifications/stats.
func (h *Handler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.Stats(c.Request().Context()))
}
