package ruleengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/ruleengine/internal/domain/rules"
	"github.com/ehr/ruleengine/internal/platform/metrics"
)

// ActionRequest is what a handler receives: the action's parameters with
// every token already substituted.
type ActionRequest struct {
	RuleID   uuid.UUID
	RuleName string
	Type     string
	Params   map[string]any
	Event    Event
}

// ActionHandler performs one action type. The returned map is stored in the
// execution record's actions_performed entry.
type ActionHandler interface {
	Execute(ctx context.Context, req ActionRequest) (map[string]any, error)
}

// ActionHandlerFunc adapts a function to ActionHandler.
type ActionHandlerFunc func(ctx context.Context, req ActionRequest) (map[string]any, error)

func (f ActionHandlerFunc) Execute(ctx context.Context, req ActionRequest) (map[string]any, error) {
	return f(ctx, req)
}

// Executor runs a rule's action list against registered handlers.
type Executor struct {
	resolver *Resolver
	metrics  metrics.Metrics
	logger   zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]ActionHandler
}

func NewExecutor(resolver *Resolver, m metrics.Metrics, logger zerolog.Logger) *Executor {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Executor{
		resolver: resolver,
		metrics:  m,
		logger:   logger,
		handlers: make(map[string]ActionHandler),
	}
}

// Register installs the handler for an action type, replacing any previous one.
func (x *Executor) Register(actionType string, h ActionHandler) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.handlers[actionType] = h
}

// Types lists the registered action types.
func (x *Executor) Types() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	set := make(map[string]struct{}, len(x.handlers))
	for t := range x.handlers {
		set[t] = struct{}{}
	}
	return sortedSet(set)
}

func (x *Executor) handler(actionType string) (ActionHandler, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	h, ok := x.handlers[actionType]
	return h, ok
}

// Execute runs rule.Actions in order. Runs of adjacent independent actions
// execute concurrently and finish before the next action starts. The first
// failure stops the list. err is an *ActionExecutionError on handler failure
// or the context's error when cancelled between actions.
func (x *Executor) Execute(ctx context.Context, rule *rules.Rule, ec *EvalContext) (bool, []rules.ActionOutcome, error) {
	outcomes := make([]rules.ActionOutcome, 0, len(rule.Actions))
	actionCtx := ec.fresh()

	for i := 0; i < len(rule.Actions); {
		if err := ctx.Err(); err != nil {
			return false, outcomes, err
		}

		end := i + 1
		if rule.Actions[i].Independent {
			for end < len(rule.Actions) && rule.Actions[end].Independent {
				end++
			}
		}

		group, err := x.runGroup(ctx, rule, actionCtx, i, end)
		outcomes = append(outcomes, group...)
		if err != nil {
			return false, outcomes, err
		}
		i = end
	}
	return true, outcomes, nil
}

func (x *Executor) runGroup(ctx context.Context, rule *rules.Rule, ec *EvalContext, from, to int) ([]rules.ActionOutcome, error) {
	if to-from == 1 {
		out, err := x.runOne(ctx, rule, ec, from)
		return []rules.ActionOutcome{out}, err
	}

	outs := make([]rules.ActionOutcome, to-from)
	g, gctx := errgroup.WithContext(ctx)
	for i := from; i < to; i++ {
		g.Go(func() error {
			out, err := x.runOne(gctx, rule, ec, i)
			outs[i-from] = out
			return err
		})
	}
	return outs, g.Wait()
}

func (x *Executor) runOne(ctx context.Context, rule *rules.Rule, ec *EvalContext, idx int) (rules.ActionOutcome, error) {
	action := rule.Actions[idx]
	out := rules.ActionOutcome{Type: action.Type}

	fail := func(err error) (rules.ActionOutcome, error) {
		out.Error = err.Error()
		x.metrics.ActionExecuted(action.Type, "error")
		x.logger.Warn().Err(err).
			Str("rule_id", rule.ID.String()).
			Str("action_type", action.Type).
			Int("action_index", idx).
			Msg("action failed")
		return out, &ActionExecutionError{Index: idx, Type: action.Type, Err: err}
	}

	h, ok := x.handler(action.Type)
	if !ok {
		return fail(fmt.Errorf("no handler registered for action type %q", action.Type))
	}

	params, err := x.renderParams(ctx, action, ec)
	if err != nil {
		return fail(err)
	}

	result, err := h.Execute(ctx, ActionRequest{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Type:     action.Type,
		Params:   params,
		Event:    ec.Event,
	})
	if err != nil {
		out.Output = result
		return fail(err)
	}

	out.Success = true
	out.Output = result
	x.metrics.ActionExecuted(action.Type, "ok")
	return out, nil
}

// renderParams substitutes tokens. A parameter that is exactly one token
// keeps the referenced value's type; tokens embedded in text are formatted.
// Variables are resolved freshly, never from the dispatch cache.
func (x *Executor) renderParams(ctx context.Context, action rules.Action, ec *EvalContext) (map[string]any, error) {
	compiled := action.CompiledParams()
	out := make(map[string]any, len(compiled))
	for k, p := range compiled {
		v, err := x.renderParam(ctx, p, ec)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func (x *Executor) renderParam(ctx context.Context, p rules.ParamValue, ec *EvalContext) (any, error) {
	switch p.Kind {
	case rules.ParamTemplate:
		if ref, ok := p.Template.SingleRef(); ok {
			return x.refValue(ctx, ref, ec)
		}
		var failed error
		s := p.Template.Render(func(ref *rules.Reference) (string, bool) {
			v, err := x.refValue(ctx, ref, ec)
			if err != nil {
				if failed == nil {
					failed = err
				}
				return "", false
			}
			return formatValue(v), true
		})
		return s, failed
	case rules.ParamMap:
		m := make(map[string]any, len(p.Map))
		for k, item := range p.Map {
			v, err := x.renderParam(ctx, item, ec)
			if err != nil {
				return nil, err
			}
			m[k] = v
		}
		return m, nil
	case rules.ParamList:
		l := make([]any, 0, len(p.List))
		for _, item := range p.List {
			v, err := x.renderParam(ctx, item, ec)
			if err != nil {
				return nil, err
			}
			l = append(l, v)
		}
		return l, nil
	}
	return p.Literal, nil
}

// refValue resolves one token. Unavailable variables and missing fields
// render as nil; resolution errors fail the action.
func (x *Executor) refValue(ctx context.Context, ref *rules.Reference, ec *EvalContext) (any, error) {
	if ref.Kind == rules.RefField {
		v, _ := ec.LookupField(ref.Key)
		return v, nil
	}
	res := x.resolver.resolve(ctx, ref.Key, ec, nil, false)
	switch {
	case res.Status.OK():
		return res.Value, nil
	case res.Status == StatusUnavailable:
		return nil, nil
	}
	return nil, res.Err
}
