package ruleengine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/ruleengine/internal/domain/rules"
)

func TestExecute_RunsActionsInOrder(t *testing.T) {
	h := newHarness(t, DispatcherConfig{})
	h.vars.Put(hba1cVariable())
	h.data.Add("p1", "lab:hba1c", 8.1, time.Now().Add(-time.Hour), nil)
	rule := hba1cRule()
	rule.Prepare()

	ok, outcomes, err := h.executor.Execute(context.Background(), rule, NewEvalContext(labEvent("p1"), time.Now()))
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, outcomes, 2)
	assert.True(t, outcomes[0].Success)
	assert.Equal(t, "notify", outcomes[0].Type)
	assert.Equal(t, map[string]any{"ok": true}, outcomes[0].Output)
	assert.Equal(t, []string{"notify:Elevated HbA1c", "create_task:Elevated HbA1c"}, h.log.list())

	params := h.log.params[0]
	assert.Equal(t, "HbA1c is 8.1%", params["message"])
	assert.Equal(t, 8.1, params["value"], "a lone token keeps the value's type")
}

func TestExecute_StopsAtFirstFailure(t *testing.T) {
	h := newHarness(t, DispatcherConfig{})
	h.executor.Register("notify", ActionHandlerFunc(func(ctx context.Context, req ActionRequest) (map[string]any, error) {
		return nil, errors.New("smtp unavailable")
	}))
	rule := &rules.Rule{Name: "r", Actions: []rules.Action{
		{Type: "create_task"}, {Type: "notify"}, {Type: "create_task"},
	}}

	ok, outcomes, err := h.executor.Execute(context.Background(), rule, NewEvalContext(labEvent("p1"), time.Now()))
	assert.False(t, ok)
	require.Len(t, outcomes, 2)
	assert.True(t, outcomes[0].Success)
	assert.False(t, outcomes[1].Success)
	assert.Equal(t, "smtp unavailable", outcomes[1].Error)
	assert.Len(t, h.log.list(), 1)

	var ae *ActionExecutionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 1, ae.Index)
	assert.Equal(t, "notify", ae.Type)
}

func TestExecute_UnknownActionType(t *testing.T) {
	h := newHarness(t, DispatcherConfig{})
	rule := &rules.Rule{Name: "r", Actions: []rules.Action{{Type: "fax"}}}

	ok, outcomes, err := h.executor.Execute(context.Background(), rule, NewEvalContext(labEvent("p1"), time.Now()))
	assert.False(t, ok)
	require.Len(t, outcomes, 1)
	assert.Contains(t, outcomes[0].Error, `no handler registered for action type "fax"`)
	assert.Error(t, err)
}

func TestExecute_IndependentActionsRunConcurrently(t *testing.T) {
	h := newHarness(t, DispatcherConfig{})
	var arrived sync.WaitGroup
	arrived.Add(2)
	both := make(chan struct{})
	go func() {
		arrived.Wait()
		close(both)
	}()

	h.executor.Register("rendezvous", ActionHandlerFunc(func(ctx context.Context, req ActionRequest) (map[string]any, error) {
		arrived.Done()
		select {
		case <-both:
			return nil, nil
		case <-time.After(2 * time.Second):
			return nil, errors.New("peer action never started")
		}
	}))
	rule := &rules.Rule{Name: "r", Actions: []rules.Action{
		{Type: "rendezvous", Independent: true},
		{Type: "rendezvous", Independent: true},
		{Type: "create_task"},
	}}

	ok, outcomes, err := h.executor.Execute(context.Background(), rule, NewEvalContext(labEvent("p1"), time.Now()))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, outcomes, 3)
	assert.Equal(t, []string{"create_task:r"}, h.log.list())
}

func TestExecute_ParamsResolveFreshly(t *testing.T) {
	h := newHarness(t, DispatcherConfig{})
	h.vars.Put(hba1cVariable())
	h.data.Add("p1", "lab:hba1c", 9.4, time.Now().Add(-time.Hour), nil)

	ec := NewEvalContext(labEvent("p1"), time.Now())
	ec.cache = newResolutionCache()
	ec.cache.put(cacheKey("hba1c_latest", "p1"), Resolution{Key: "hba1c_latest", Value: 8.1, Status: StatusElevated})

	rule := &rules.Rule{Name: "r", Actions: []rules.Action{{Type: "notify", Params: map[string]any{
		"value":   "{{var.hba1c_latest}}",
		"patient": "{{event.code}}",
		"nested":  map[string]any{"list": []any{"{{var.hba1c_latest}}", "static"}},
		"missing": "{{var.not_defined}}",
	}}}}

	_, _, err := h.executor.Execute(context.Background(), rule, ec)
	require.NoError(t, err)
	params := h.log.params[0]
	assert.Equal(t, 9.4, params["value"])
	assert.Equal(t, "4548-4", params["patient"])
	assert.Equal(t, map[string]any{"list": []any{9.4, "static"}}, params["nested"])
	assert.Nil(t, params["missing"])
}

func TestExecute_ResolutionErrorFailsAction(t *testing.T) {
	h := newHarness(t, DispatcherConfig{})
	h.vars.Put(&rules.RuleVariable{
		VariableKey: "loop", ComputationType: rules.ComputeFormula,
		Formula: strPtr("{{var.loop}} + 1"), ResultType: "number", IsActive: true,
	})
	rule := &rules.Rule{Name: "r", Actions: []rules.Action{{Type: "notify", Params: map[string]any{
		"message": "value {{var.loop}}",
	}}}}

	ok, _, err := h.executor.Execute(context.Background(), rule, NewEvalContext(labEvent("p1"), time.Now()))
	assert.False(t, ok)
	var cyc *CircularReferenceError
	assert.ErrorAs(t, err, &cyc)
	assert.Empty(t, h.log.list())
}

func TestExecutorTypes(t *testing.T) {
	h := newHarness(t, DispatcherConfig{})
	assert.Equal(t, []string{"create_task", "notify"}, h.executor.Types())
}
