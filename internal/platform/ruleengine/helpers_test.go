package ruleengine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ehr/ruleengine/internal/domain/rules"
)

func strPtr(s string) *string     { return &s }
func intPtr(i int) *int           { return &i }
func floatPtr(f float64) *float64 { return &f }

// countingSource wraps a MemoryDataSource and counts queries.
type countingSource struct {
	*MemoryDataSource
	calls atomic.Int64
}

func (c *countingSource) DataPoints(ctx context.Context, q DataPointQuery) ([]DataPoint, error) {
	c.calls.Add(1)
	return c.MemoryDataSource.DataPoints(ctx, q)
}

// actionLog collects handler invocations across goroutines.
type actionLog struct {
	mu      sync.Mutex
	entries []string
	params  []map[string]any
}

func (l *actionLog) add(entry string, params map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	l.params = append(l.params, params)
}

func (l *actionLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func (l *actionLog) handler(name string) ActionHandler {
	return ActionHandlerFunc(func(ctx context.Context, req ActionRequest) (map[string]any, error) {
		l.add(name+":"+req.RuleName, req.Params)
		return map[string]any{"ok": true}, nil
	})
}

type harness struct {
	rules      *MemoryRuleStore
	vars       *MemoryVariableStore
	data       *countingSource
	lookups    *MemoryLookupSource
	resolver   *Resolver
	executor   *Executor
	dispatcher *Dispatcher
	log        *actionLog
}

func newHarness(t *testing.T, cfg DispatcherConfig) *harness {
	t.Helper()
	h := &harness{
		rules:   NewMemoryRuleStore(),
		vars:    NewMemoryVariableStore(),
		data:    &countingSource{MemoryDataSource: NewMemoryDataSource()},
		lookups: NewMemoryLookupSource(),
		log:     &actionLog{},
	}
	logger := zerolog.Nop()

	resolver, err := NewResolver(h.vars, h.data, h.lookups, nil, logger)
	require.NoError(t, err)
	h.resolver = resolver
	h.executor = NewExecutor(resolver, nil, logger)
	h.executor.Register("notify", h.log.handler("notify"))
	h.executor.Register("create_task", h.log.handler("create_task"))
	h.dispatcher = NewDispatcher(h.rules, resolver, h.executor, NewRecorder(h.rules, logger), cfg, nil, logger)
	return h
}

// hba1cVariable is the latest HbA1c result for the patient.
func hba1cVariable() *rules.RuleVariable {
	return &rules.RuleVariable{
		Name:              "Latest HbA1c",
		VariableKey:       "hba1c_latest",
		Category:          "lab",
		ComputationType:   rules.ComputeAggregate,
		DataSource:        strPtr("lab:hba1c"),
		AggregateFunction: strPtr("last"),
		TimeWindowHours:   intPtr(24 * 180),
		ResultType:        "number",
		Unit:              strPtr("%"),
		ReferenceLow:      floatPtr(4.0),
		ReferenceHigh:     floatPtr(5.6),
		IsActive:          true,
	}
}

// hba1cRule fires when the latest HbA1c is above 7.
func hba1cRule() *rules.Rule {
	return &rules.Rule{
		Name:         "Elevated HbA1c",
		RuleType:     "clinical",
		TriggerEvent: "lab_result",
		Conditions: rules.ConditionTree{Root: rules.Compare(
			rules.Variable("hba1c_latest"), rules.OpGt, rules.Literal(7.0))},
		Actions: []rules.Action{
			{Type: "notify", Params: map[string]any{
				"message": "HbA1c is {{var.hba1c_latest}}%",
				"value":   "{{var.hba1c_latest}}",
			}},
			{Type: "create_task", Params: map[string]any{"title": "Review diabetes plan"}},
		},
		Priority: 10,
		IsActive: true,
	}
}

func labEvent(patient string) Event {
	return Event{TriggerEvent: "lab_result", PatientID: patient, Payload: map[string]any{"code": "4548-4"}}
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting")
	}
}
