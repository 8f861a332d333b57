// Package actions provides the action handlers the service registers on the
// rule engine's executor: notify, webhook, publish, create_task and log.
package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ruleengine/internal/platform/notification"
	"github.com/ehr/ruleengine/internal/platform/ruleengine"
	"github.com/ehr/ruleengine/internal/platform/task"
	"github.com/ehr/ruleengine/internal/platform/webhook"
)

// Publisher sends a document on a bus subject. *events.Publisher
// implements it.
type Publisher interface {
	Publish(subject string, doc any) error
}

// Deps are the transports the handlers deliver through. A nil transport
// leaves its action type unregistered.
type Deps struct {
	Notifier *notification.Manager
	Webhooks *webhook.Sender
	Bus      Publisher
	Tasks    *task.Board
	Logger   zerolog.Logger
}

// Register adds every available handler to x.
func Register(x *ruleengine.Executor, deps Deps) {
	if deps.Notifier != nil {
		x.Register("notify", Notify(deps.Notifier))
	}
	if deps.Webhooks != nil {
		x.Register("webhook", Webhook(deps.Webhooks))
	}
	if deps.Bus != nil {
		x.Register("publish", Publish(deps.Bus))
	}
	if deps.Tasks != nil {
		x.Register("create_task", CreateTask(deps.Tasks))
	}
	x.Register("log", Log(deps.Logger))
}

func stringParam(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func requireParam(params map[string]any, key string) (string, error) {
	s := strings.TrimSpace(stringParam(params, key))
	if s == "" {
		return "", fmt.Errorf("param %q is required", key)
	}
	return s, nil
}

// stringMap flattens scalar params for template data and headers.
func stringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		if val == nil {
			continue
		}
		out[k] = stringParam(m, k)
	}
	return out
}

// envelope is what webhook and publish actions send when the rule does not
// supply its own body.
func envelope(req ruleengine.ActionRequest, data any) map[string]any {
	return map[string]any{
		"rule_id":       req.RuleID.String(),
		"rule_name":     req.RuleName,
		"action":        req.Type,
		"trigger_event": req.Event.TriggerEvent,
		"patient_id":    req.Event.PatientID,
		"tenant_id":     req.Event.TenantID,
		"data":          data,
	}
}

// Notify sends through the notification manager. Params: channel (email,
// sms, in_app; default in_app), recipient, subject, message, priority, and
// optionally template plus data.
func Notify(mgr *notification.Manager) ruleengine.ActionHandler {
	return ruleengine.ActionHandlerFunc(func(ctx context.Context, req ruleengine.ActionRequest) (map[string]any, error) {
		recipient, err := requireParam(req.Params, "recipient")
		if err != nil {
			return nil, err
		}
		n := &notification.Notification{
			Channel:   notification.Channel(stringParam(req.Params, "channel")),
			Recipient: recipient,
			Priority:  stringParam(req.Params, "priority"),
			PatientID: req.Event.PatientID,
			RuleID:    req.RuleID.String(),
		}

		if tpl := stringParam(req.Params, "template"); tpl != "" {
			data := stringMap(req.Params["data"])
			if data == nil {
				data = map[string]string{}
			}
			if _, ok := data["patient_id"]; !ok {
				data["patient_id"] = req.Event.PatientID
			}
			err = mgr.SendFromTemplate(ctx, tpl, data, n)
		} else {
			if n.Channel == "" {
				n.Channel = notification.ChannelInApp
			}
			n.Subject = stringParam(req.Params, "subject")
			if n.Subject == "" {
				n.Subject = req.RuleName
			}
			n.Body, err = requireParam(req.Params, "message")
			if err != nil {
				return nil, err
			}
			err = mgr.Send(ctx, n)
		}

		result := map[string]any{"notification_id": n.ID, "channel": string(n.Channel), "status": n.Status}
		if err != nil {
			return result, fmt.Errorf("notify %s: %w", recipient, err)
		}
		return result, nil
	})
}

// Webhook posts to params.url. The body is params.body when given,
// otherwise an envelope carrying the remaining params.
func Webhook(sender *webhook.Sender) ruleengine.ActionHandler {
	return ruleengine.ActionHandlerFunc(func(ctx context.Context, req ruleengine.ActionRequest) (map[string]any, error) {
		url, err := requireParam(req.Params, "url")
		if err != nil {
			return nil, err
		}
		body, ok := req.Params["body"]
		if !ok {
			data := make(map[string]any, len(req.Params))
			for k, v := range req.Params {
				if k != "url" && k != "headers" {
					data[k] = v
				}
			}
			body = envelope(req, data)
		}

		d, err := sender.Send(ctx, webhook.Request{
			URL:      url,
			Event:    req.Event.TriggerEvent,
			RuleID:   req.RuleID.String(),
			RuleName: req.RuleName,
			Body:     body,
			Headers:  stringMap(req.Params["headers"]),
		})
		if d == nil {
			return nil, err
		}
		result := map[string]any{"delivery_id": d.ID, "status_code": d.StatusCode, "attempts": d.Attempts}
		return result, err
	})
}

// Publish emits an envelope on params.subject.
func Publish(bus Publisher) ruleengine.ActionHandler {
	return ruleengine.ActionHandlerFunc(func(ctx context.Context, req ruleengine.ActionRequest) (map[string]any, error) {
		subject, err := requireParam(req.Params, "subject")
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, ok := req.Params["message"]
		if !ok {
			data = req.Params["data"]
		}
		if err := bus.Publish(subject, envelope(req, data)); err != nil {
			return nil, fmt.Errorf("publish %s: %w", subject, err)
		}
		return map[string]any{"subject": subject}, nil
	})
}

// CreateTask adds a task to the board. Params: description (required),
// title, priority, status, category, labels, notes, due_in_hours (default
// 24) and assignment {strategy, pool_id, user_id, patient_id, role}.
func CreateTask(board *task.Board) ruleengine.ActionHandler {
	return ruleengine.ActionHandlerFunc(func(ctx context.Context, req ruleengine.ActionRequest) (map[string]any, error) {
		desc, err := requireParam(req.Params, "description")
		if err != nil {
			return nil, err
		}
		t := &task.Task{
			Title:       stringParam(req.Params, "title"),
			Description: desc,
			Priority:    stringParam(req.Params, "priority"),
			Status:      stringParam(req.Params, "status"),
			Category:    stringParam(req.Params, "category"),
			Labels:      stringList(req.Params["labels"]),
			Notes:       stringParam(req.Params, "notes"),
			PatientID:   req.Event.PatientID,
			RuleID:      req.RuleID.String(),
		}
		if h, ok := req.Params["due_in_hours"]; ok && h != nil {
			hours, ok := positiveNumber(h)
			if !ok {
				return nil, fmt.Errorf("param \"due_in_hours\" must be a positive number")
			}
			t.DueAt = time.Now().UTC().Add(time.Duration(hours * float64(time.Hour)))
		}

		var assignment *task.Assignment
		if m, ok := req.Params["assignment"].(map[string]any); ok {
			assignment = &task.Assignment{
				Strategy:  task.Strategy(stringParam(m, "strategy")),
				PoolID:    stringParam(m, "pool_id"),
				UserID:    stringParam(m, "user_id"),
				PatientID: stringParam(m, "patient_id"),
				Role:      stringParam(m, "role"),
			}
		}

		if err := board.Create(ctx, t, assignment); err != nil {
			return nil, fmt.Errorf("create task: %w", err)
		}
		result := map[string]any{"task_id": t.ID, "status": t.Status}
		if t.AssignedUserID != "" {
			result["assigned_user_id"] = t.AssignedUserID
		}
		if t.AssignedPoolID != "" {
			result["assigned_pool_id"] = t.AssignedPoolID
		}
		return result, nil
	})
}

func positiveNumber(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	default:
		return 0, false
	}
	return f, f > 0
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it != nil {
			out = append(out, fmt.Sprint(it))
		}
	}
	return out
}

var errBadLevel = errors.New("level must be debug, info, warn or error")

// Log writes params.message at params.level (default info).
func Log(logger zerolog.Logger) ruleengine.ActionHandler {
	return ruleengine.ActionHandlerFunc(func(ctx context.Context, req ruleengine.ActionRequest) (map[string]any, error) {
		level := zerolog.InfoLevel
		if s := stringParam(req.Params, "level"); s != "" {
			l, err := zerolog.ParseLevel(s)
			if err != nil || l < zerolog.DebugLevel || l > zerolog.ErrorLevel {
				return nil, errBadLevel
			}
			level = l
		}
		msg := stringParam(req.Params, "message")
		logger.WithLevel(level).
			Str("rule_id", req.RuleID.String()).
			Str("rule_name", req.RuleName).
			Str("trigger_event", req.Event.TriggerEvent).
			Str("patient_id", req.Event.PatientID).
			Msg(msg)
		return map[string]any{"level": level.String(), "message": msg}, nil
	})
}
