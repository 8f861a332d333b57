package ruleengine

import (
	"strconv"
	"strings"
	"time"
)

// Event is one trigger-event instance entering the engine.
type Event struct {
	TriggerEvent string         `json:"trigger_event"`
	Payload      map[string]any `json:"payload"`
	PatientID    string         `json:"patient_id,omitempty"`
	TriggeredBy  string         `json:"triggered_by,omitempty"`
	TenantID     string         `json:"tenant_id,omitempty"`
}

// EvalContext carries everything a resolution or evaluation may read. It is
// built once per dispatch (or per test call) and never mutated afterwards,
// apart from the dispatch-scoped cache.
type EvalContext struct {
	Event Event
	Now   time.Time

	cache *resolutionCache
}

// NewEvalContext builds a context without a dispatch cache.
func NewEvalContext(ev Event, now time.Time) *EvalContext {
	return &EvalContext{Event: ev, Now: now}
}

// fresh returns a copy sharing the event but with no dispatch cache and the
// current wall clock. Actions resolve through it.
func (ec *EvalContext) fresh() *EvalContext {
	return &EvalContext{Event: ec.Event, Now: time.Now()}
}

// Subject is the entity variables are scoped to.
func (ec *EvalContext) Subject() string { return ec.Event.PatientID }

func (ec *EvalContext) contextDoc() map[string]any {
	return map[string]any{
		"patient_id":    ec.Event.PatientID,
		"triggered_by":  ec.Event.TriggeredBy,
		"trigger_event": ec.Event.TriggerEvent,
		"time_of_day":   float64(ec.Now.Hour()),
		"day_of_week":   float64(ec.Now.Weekday()),
		"now":           ec.Now.Format(time.RFC3339),
	}
}

// LookupField resolves a dotted path. Paths rooted at "event." read the
// payload, "context." reads trigger attribution and clock fields, and any
// other path is read relative to the payload. The boolean distinguishes a
// missing field from an explicit null.
func (ec *EvalContext) LookupField(path string) (any, bool) {
	root, rest, _ := strings.Cut(path, ".")
	switch root {
	case "event":
		if rest == "" {
			return ec.Event.Payload, true
		}
		return getPath(ec.Event.Payload, rest)
	case "context":
		if rest == "" {
			return ec.contextDoc(), true
		}
		return getPath(ec.contextDoc(), rest)
	}
	return getPath(ec.Event.Payload, path)
}

func getPath(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}
