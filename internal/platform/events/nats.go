// Package events connects the rule engine to the NATS trigger bus. The
// subscriber turns bus messages into dispatches; the publisher backs the
// "publish" action.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/ehr/ruleengine/internal/platform/auth"
	"github.com/ehr/ruleengine/internal/platform/ruleengine"
)

// SystemUser is the identity bus-triggered dispatches are attributed to.
const SystemUser = "system"

var (
	errNilConn    = errors.New("nats connection not initialized")
	errEmptyTopic = errors.New("empty subject")
)

// Connect dials NATS with reconnect handling logged through logger.
func Connect(url string, logger zerolog.Logger) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	opts := []nats.Option{
		nats.Name("rule-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected to NATS")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info().Msg("NATS connection closed")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// Message is the bus encoding of a trigger event.
type Message struct {
	TriggerEvent string         `json:"trigger_event"`
	Payload      map[string]any `json:"payload"`
	PatientID    string         `json:"patient_id,omitempty"`
	TriggeredBy  string         `json:"triggered_by,omitempty"`
	TenantID     string         `json:"tenant_id,omitempty"`
}

// Decode parses a bus message. When trigger_event is absent it is taken
// from the last token of the subject, so ehr.events.lab_result dispatches
// lab_result.
func Decode(subject string, data []byte) (ruleengine.Event, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return ruleengine.Event{}, fmt.Errorf("decode event: %w", err)
	}
	if m.TriggerEvent == "" {
		if i := strings.LastIndex(subject, "."); i >= 0 && i < len(subject)-1 {
			m.TriggerEvent = subject[i+1:]
		}
	}
	if m.TriggerEvent == "" || m.TriggerEvent == "*" || m.TriggerEvent == ">" {
		return ruleengine.Event{}, errors.New("decode event: trigger_event is required")
	}
	if m.Payload == nil {
		m.Payload = map[string]any{}
	}
	if m.TriggeredBy == "" {
		m.TriggeredBy = SystemUser
	}
	return ruleengine.Event{
		TriggerEvent: m.TriggerEvent,
		Payload:      m.Payload,
		PatientID:    m.PatientID,
		TriggeredBy:  m.TriggeredBy,
		TenantID:     m.TenantID,
	}, nil
}

// DispatchFunc runs one event through the engine.
type DispatchFunc func(ctx context.Context, ev ruleengine.Event) ([]ruleengine.ExecutionSummary, error)

// TenantFunc runs fn with ctx scoped to the tenant's schema. db.WithTenant
// bound to a *db.Tenants satisfies it.
type TenantFunc func(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error

// SubscriberConfig configures a Subscriber.
type SubscriberConfig struct {
	Subject       string
	Queue         string
	DefaultTenant string
	// Timeout bounds one message's dispatch.
	Timeout time.Duration
}

// Subscriber consumes trigger events and dispatches them.
type Subscriber struct {
	cfg      SubscriberConfig
	dispatch DispatchFunc
	tenant   TenantFunc
	logger   zerolog.Logger

	sub *nats.Subscription
}

func NewSubscriber(cfg SubscriberConfig, dispatch DispatchFunc, tenant TenantFunc, logger zerolog.Logger) *Subscriber {
	if cfg.Queue == "" {
		cfg.Queue = "rule-engine"
	}
	if cfg.DefaultTenant == "" {
		cfg.DefaultTenant = "default"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &Subscriber{cfg: cfg, dispatch: dispatch, tenant: tenant, logger: logger}
}

// Start attaches a queue subscription so replicas share the stream.
func (s *Subscriber) Start(nc *nats.Conn) error {
	if nc == nil {
		return errNilConn
	}
	if s.cfg.Subject == "" {
		return errEmptyTopic
	}
	sub, err := nc.QueueSubscribe(s.cfg.Subject, s.cfg.Queue, func(msg *nats.Msg) {
		if err := s.Handle(context.Background(), msg.Subject, msg.Data); err != nil {
			s.logger.Error().Err(err).Str("subject", msg.Subject).Msg("event dispatch failed")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.cfg.Subject, err)
	}
	s.sub = sub
	s.logger.Info().Str("subject", s.cfg.Subject).Str("queue", s.cfg.Queue).Msg("listening for trigger events")
	return nil
}

// Stop drains the subscription.
func (s *Subscriber) Stop() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Drain()
}

// Handle decodes and dispatches one message under the system identity.
func (s *Subscriber) Handle(ctx context.Context, subject string, data []byte) error {
	ev, err := Decode(subject, data)
	if err != nil {
		return err
	}
	if ev.TenantID == "" {
		ev.TenantID = s.cfg.DefaultTenant
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	ctx = auth.WithIdentity(ctx, SystemUser, []string{"system"})

	run := func(ctx context.Context) error {
		summaries, err := s.dispatch(ctx, ev)
		if err != nil {
			return err
		}
		s.logger.Debug().
			Str("trigger_event", ev.TriggerEvent).
			Str("tenant_id", ev.TenantID).
			Int("rules", len(summaries)).
			Msg("event dispatched")
		return nil
	}
	if s.tenant == nil {
		return run(ctx)
	}
	return s.tenant(ctx, ev.TenantID, run)
}

// Publisher sends JSON documents on the bus.
type Publisher struct {
	nc *nats.Conn
}

func NewPublisher(nc *nats.Conn) *Publisher { return &Publisher{nc: nc} }

// Publish marshals doc and publishes it on subject.
func (p *Publisher) Publish(subject string, doc any) error {
	if p == nil || p.nc == nil {
		return errNilConn
	}
	if subject == "" {
		return errEmptyTopic
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return p.nc.Publish(subject, data)
}

// Check reports whether the connection is usable, for the health endpoint.
func Check(nc *nats.Conn) func(context.Context) error {
	return func(context.Context) error {
		if nc == nil || !nc.IsConnected() {
			return fmt.Errorf("nats status: %s", status(nc))
		}
		return nil
	}
}

func status(nc *nats.Conn) string {
	if nc == nil {
		return "UNKNOWN"
	}
	return nc.Status().String()
}
