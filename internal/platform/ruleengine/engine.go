package ruleengine

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/ruleengine/internal/domain/rules"
)

// Engine bundles the resolver and dispatcher behind the admin service's
// rules.Engine contract.
type Engine struct {
	Resolver   *Resolver
	Dispatcher *Dispatcher
	// Tenant reports the tenant a request runs under. Optional.
	Tenant func(ctx context.Context) string
}

func (e *Engine) toEvent(ctx context.Context, req rules.EventRequest) Event {
	ev := Event{
		TriggerEvent: req.TriggerEvent,
		Payload:      req.Payload,
		PatientID:    req.PatientID,
		TriggeredBy:  req.TriggeredBy,
	}
	if e.Tenant != nil {
		ev.TenantID = e.Tenant(ctx)
	}
	return ev
}

func (e *Engine) Dispatch(ctx context.Context, req rules.EventRequest) (any, error) {
	return e.Dispatcher.Dispatch(ctx, e.toEvent(ctx, req))
}

func (e *Engine) TestRule(ctx context.Context, ruleID uuid.UUID, req rules.EventRequest) (any, error) {
	return e.Dispatcher.DryRun(ctx, ruleID, e.toEvent(ctx, req))
}

func (e *Engine) TestVariable(ctx context.Context, variableID uuid.UUID, req rules.VariableTestRequest) (*rules.VariableTestResult, error) {
	return e.Resolver.Test(ctx, variableID, req)
}

func (e *Engine) CheckFormula(formula string) error {
	return e.Resolver.CheckFormula(formula)
}
