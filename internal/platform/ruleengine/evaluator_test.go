package ruleengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/ruleengine/internal/domain/rules"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name  string
		left  any
		op    rules.Operator
		right any
		want  bool
	}{
		{"eq numbers", 7.0, rules.OpEq, 7.0, true},
		{"eq numeric string", 7.0, rules.OpEq, "7", true},
		{"eq strings", "final", rules.OpEq, "final", true},
		{"eq bool string", true, rules.OpEq, "TRUE", true},
		{"neq", "final", rules.OpNeq, "draft", true},
		{"gt", 8.1, rules.OpGt, 7.0, true},
		{"gte equal", 7.0, rules.OpGte, 7.0, true},
		{"lt", 6.0, rules.OpLt, 7.0, true},
		{"lte", 8.0, rules.OpLte, 7.0, false},
		{"gt timestamps", "2026-03-10T10:00:00Z", rules.OpGt, "2026-03-09", true},
		{"contains case-insensitive", "Type 2 Diabetes", rules.OpContains, "diabetes", true},
		{"contains list", []any{"E11.9", "I10"}, rules.OpContains, "I10", true},
		{"contains map key", map[string]any{"allergy": true}, rules.OpContains, "allergy", true},
		{"in list", "I10", rules.OpIn, []any{"E11.9", "I10"}, true},
		{"in comma string", "b", rules.OpIn, "a, b, c", true},
		{"in number list", 2.0, rules.OpIn, []any{1.0, 2.0}, true},
		{"not in", "z", rules.OpIn, []any{"a"}, false},
		{"starts_with", "E11.9", rules.OpStartsWith, "E11", true},
		{"ends_with", "E11.9", rules.OpEndsWith, ".9", true},
		{"between list", 5.0, rules.OpBetween, []any{1.0, 10.0}, true},
		{"between string", 11.0, rules.OpBetween, "1,10", false},
		{"between inclusive", 10.0, rules.OpBetween, []any{1.0, 10.0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := compare(tt.op, tt.left, tt.right)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompare_TypeMismatch(t *testing.T) {
	tests := []struct {
		left  any
		op    rules.Operator
		right any
	}{
		{"abc", rules.OpGt, 5.0},
		{true, rules.OpLt, 1.0},
		{5.0, rules.OpStartsWith, "5"},
		{5.0, rules.OpContains, "5"},
		{5.0, rules.OpBetween, []any{1.0}},
		{"x", rules.OpIn, 3.0},
		{true, rules.OpEq, 1.0},
	}
	for _, tt := range tests {
		_, err := compare(tt.op, tt.left, tt.right)
		var mm *ConditionTypeMismatchError
		assert.ErrorAs(t, err, &mm, "%v %s %v", tt.left, tt.op, tt.right)
	}
}

func evaluate(t *testing.T, h *harness, cond rules.Condition, ev Event) Outcome {
	t.Helper()
	out, err := NewEvaluator(h.resolver).Evaluate(context.Background(), rules.ConditionTree{Root: cond}, NewEvalContext(ev, time.Now()))
	require.NoError(t, err)
	return out
}

func TestEvaluate_FieldsAndExists(t *testing.T) {
	h := newHarness(t, DispatcherConfig{})
	ev := Event{TriggerEvent: "lab_result", PatientID: "p1", TriggeredBy: "u1", Payload: map[string]any{
		"status": "final",
		"note":   "  ",
		"result": map[string]any{"value": 8.1, "codes": []any{"4548-4"}},
	}}

	assert.True(t, evaluate(t, h, rules.Compare(rules.Field("event.status"), rules.OpEq, rules.Literal("final")), ev).Met)
	assert.True(t, evaluate(t, h, rules.Compare(rules.Field("result.value"), rules.OpGt, rules.Literal(7.0)), ev).Met)
	assert.True(t, evaluate(t, h, rules.Compare(rules.Field("result.codes.0"), rules.OpEq, rules.Literal("4548-4")), ev).Met)
	assert.True(t, evaluate(t, h, rules.Compare(rules.Field("context.triggered_by"), rules.OpEq, rules.Literal("u1")), ev).Met)
	assert.True(t, evaluate(t, h, rules.Compare(rules.Field("status"), rules.OpExists, rules.Operand{}), ev).Met)
	assert.False(t, evaluate(t, h, rules.Compare(rules.Field("note"), rules.OpExists, rules.Operand{}), ev).Met)

	out := evaluate(t, h, rules.Compare(rules.Field("missing"), rules.OpExists, rules.Operand{}), ev)
	assert.False(t, out.Met)
	assert.Empty(t, out.Notes)
}

func TestEvaluate_MissingFieldNote(t *testing.T) {
	h := newHarness(t, DispatcherConfig{})
	out := evaluate(t, h, rules.Compare(rules.Field("event.result.value"), rules.OpGt, rules.Literal(7.0)), labEvent("p1"))

	assert.False(t, out.Met)
	require.Len(t, out.Notes, 1)
	assert.Equal(t, NoteMissingField, out.Notes[0].Kind)
	assert.NoError(t, out.Err())
}

func TestEvaluate_ShortCircuit(t *testing.T) {
	h := newHarness(t, DispatcherConfig{})
	h.vars.Put(hba1cVariable())
	h.data.Add("p1", "lab:hba1c", 8.1, time.Now().Add(-time.Hour), nil)
	hba1cHigh := rules.Compare(rules.Variable("hba1c_latest"), rules.OpGt, rules.Literal(7.0))

	out := evaluate(t, h, rules.All(rules.Compare(rules.Literal(1.0), rules.OpEq, rules.Literal(2.0)), hba1cHigh), labEvent("p1"))
	assert.False(t, out.Met)
	assert.NotContains(t, out.Consulted, "hba1c_latest")

	out = evaluate(t, h, rules.Any(rules.Compare(rules.Literal(1.0), rules.OpEq, rules.Literal(1.0)), hba1cHigh), labEvent("p1"))
	assert.True(t, out.Met)
	assert.NotContains(t, out.Consulted, "hba1c_latest")

	out = evaluate(t, h, rules.All(hba1cHigh, rules.Not(rules.Compare(rules.Field("code"), rules.OpEq, rules.Literal("x")))), labEvent("p1"))
	assert.True(t, out.Met)
	assert.Equal(t, 8.1, out.Consulted["hba1c_latest"])
	assert.Equal(t, int64(1), h.data.calls.Load())
}

func TestEvaluate_UnavailableVariable(t *testing.T) {
	h := newHarness(t, DispatcherConfig{})
	h.vars.Put(hba1cVariable())

	out := evaluate(t, h, rules.Compare(rules.Variable("hba1c_latest"), rules.OpGt, rules.Literal(7.0)), labEvent("p1"))
	assert.False(t, out.Met)
	require.Len(t, out.Notes, 1)
	assert.Equal(t, NoteUnavailable, out.Notes[0].Kind)
	assert.Equal(t, "hba1c_latest", out.Notes[0].Ref)
	assert.Contains(t, out.Consulted, "hba1c_latest")
	assert.Nil(t, out.Consulted["hba1c_latest"])
	assert.NoError(t, out.Err())

	// exists on an unavailable variable is simply false.
	out = evaluate(t, h, rules.Compare(rules.Variable("hba1c_latest"), rules.OpExists, rules.Operand{}), labEvent("p1"))
	assert.False(t, out.Met)
	assert.Empty(t, out.Notes)

	out = evaluate(t, h, rules.Not(rules.Compare(rules.Variable("hba1c_latest"), rules.OpExists, rules.Operand{})), labEvent("p1"))
	assert.True(t, out.Met)
}

func TestEvaluate_TypeMismatchIsAnError(t *testing.T) {
	h := newHarness(t, DispatcherConfig{})
	out := evaluate(t, h, rules.Compare(rules.Field("code"), rules.OpGt, rules.Literal(5.0)), labEvent("p1"))

	assert.False(t, out.Met)
	require.Len(t, out.Notes, 1)
	assert.Equal(t, NoteTypeMismatch, out.Notes[0].Kind)
	var mm *ConditionTypeMismatchError
	assert.ErrorAs(t, out.Err(), &mm)
}

func TestEvaluate_Template(t *testing.T) {
	h := newHarness(t, DispatcherConfig{})
	h.vars.Put(hba1cVariable())
	h.data.Add("p1", "lab:hba1c", 8.1, time.Now().Add(-time.Hour), nil)

	tmpl := rules.Operand{Kind: rules.OperandTemplate, Template: rules.ParseTemplate("{{event.code}}:{{var.hba1c_latest}}")}
	out := evaluate(t, h, rules.Compare(tmpl, rules.OpEq, rules.Literal("4548-4:8.1")), labEvent("p1"))
	assert.True(t, out.Met)
}

func TestEvaluate_EmptyTreeMatches(t *testing.T) {
	h := newHarness(t, DispatcherConfig{})
	out, err := NewEvaluator(h.resolver).Evaluate(context.Background(), rules.ConditionTree{}, NewEvalContext(labEvent("p1"), time.Now()))
	require.NoError(t, err)
	assert.True(t, out.Met)
}

func TestEvaluate_ContextCancelled(t *testing.T) {
	h := newHarness(t, DispatcherConfig{})
	h.vars.Put(hba1cVariable())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEvaluator(h.resolver).Evaluate(ctx,
		rules.ConditionTree{Root: rules.Compare(rules.Variable("hba1c_latest"), rules.OpGt, rules.Literal(7.0))},
		NewEvalContext(labEvent("p1"), time.Now()))
	assert.ErrorIs(t, err, context.Canceled)
}
