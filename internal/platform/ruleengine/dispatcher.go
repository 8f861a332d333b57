package ruleengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/ehr/ruleengine/internal/domain/rules"
	"github.com/ehr/ruleengine/internal/platform/metrics"
)

// RuleState is a rule's position in the dispatch state machine.
type RuleState string

const (
	StateReceived         RuleState = "RECEIVED"
	StateLoaded           RuleState = "LOADED"
	StateEvaluating       RuleState = "EVALUATING"
	StateConditionsMet    RuleState = "CONDITIONS_MET"
	StateConditionsNotMet RuleState = "CONDITIONS_NOT_MET"
	StateExecuting        RuleState = "EXECUTING"
	StateActionsSucceeded RuleState = "ACTIONS_SUCCEEDED"
	StateActionsFailed    RuleState = "ACTIONS_FAILED"
	StateRecorded         RuleState = "RECORDED"
	StateAborted          RuleState = "ABORTED"
)

// RuleStore is the read side of rule definitions used during dispatch.
type RuleStore interface {
	// ListActiveByTrigger returns active rules for the event ordered by
	// priority then id.
	ListActiveByTrigger(ctx context.Context, triggerEvent string) ([]*rules.Rule, error)
	GetByID(ctx context.Context, id uuid.UUID) (*rules.Rule, error)
}

// ExecutionSummary is returned for every rule considered by a dispatch.
type ExecutionSummary struct {
	RuleID            uuid.UUID             `json:"rule_id"`
	RuleName          string                `json:"rule_name"`
	Priority          int                   `json:"priority"`
	Sequence          int                   `json:"sequence"`
	State             RuleState             `json:"state"`
	Outcome           RuleState             `json:"outcome,omitempty"`
	ConditionsMet     bool                  `json:"conditions_met"`
	ActionsSuccess    *bool                 `json:"actions_success,omitempty"`
	ComputedVariables map[string]any        `json:"computed_variables,omitempty"`
	Actions           []rules.ActionOutcome `json:"actions,omitempty"`
	Error             string                `json:"error,omitempty"`
	ExecutionID       *uuid.UUID            `json:"execution_id,omitempty"`
	StartedAt         time.Time             `json:"started_at"`
	ExecutionTimeMs   int64                 `json:"execution_time_ms"`
}

// DispatcherConfig bounds rule execution.
type DispatcherConfig struct {
	RuleTimeout    time.Duration
	MaxConcurrency int
}

// Dispatcher is the engine entry point. It is safe for concurrent use; each
// Dispatch call owns its own resolution cache.
type Dispatcher struct {
	rules     RuleStore
	evaluator *Evaluator
	executor  *Executor
	recorder  *Recorder
	cfg       DispatcherConfig
	metrics   metrics.Metrics
	logger    zerolog.Logger
}

func NewDispatcher(store RuleStore, resolver *Resolver, executor *Executor, recorder *Recorder, cfg DispatcherConfig, m metrics.Metrics, logger zerolog.Logger) *Dispatcher {
	if cfg.RuleTimeout <= 0 {
		cfg.RuleTimeout = 10 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Dispatcher{
		rules:     store,
		evaluator: NewEvaluator(resolver),
		executor:  executor,
		recorder:  recorder,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
	}
}

// Dispatch evaluates every active rule subscribed to ev.TriggerEvent. Rules
// start in (priority, id) order; up to MaxConcurrency run at once. One
// summary is returned per loaded rule. When ctx is cancelled, rules not yet
// started are reported as ABORTED and ctx.Err() is returned with the
// summaries.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) ([]ExecutionSummary, error) {
	if ev.TriggerEvent == "" {
		return nil, fmt.Errorf("trigger_event is required")
	}
	log := d.logger.With().Str("trigger_event", ev.TriggerEvent).Logger()

	loaded, err := d.rules.ListActiveByTrigger(ctx, ev.TriggerEvent)
	if err != nil {
		return nil, fmt.Errorf("load rules for %s: %w", ev.TriggerEvent, err)
	}
	list := orderRules(loaded)
	d.metrics.IncDispatch(ev.TriggerEvent, len(list))
	log.Debug().Int("rules", len(list)).Msg("dispatch loaded")

	ec := NewEvalContext(ev, time.Now())
	ec.cache = newResolutionCache()

	summaries := make([]ExecutionSummary, len(list))
	done := make([]chan struct{}, len(list))
	for i, rule := range list {
		summaries[i] = ExecutionSummary{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			Priority: rule.Priority,
			Sequence: i,
			State:    StateLoaded,
		}
		done[i] = make(chan struct{})
	}

	sem := semaphore.NewWeighted(int64(d.cfg.MaxConcurrency))
	var wg sync.WaitGroup
	for i, rule := range list {
		if ctx.Err() != nil || sem.Acquire(ctx, 1) != nil {
			for j := i; j < len(list); j++ {
				summaries[j].State = StateAborted
				close(done[j])
			}
			log.Warn().Int("aborted", len(list)-i).Msg("dispatch cancelled before all rules started")
			break
		}

		summaries[i].StartedAt = time.Now()
		summaries[i].State = StateEvaluating
		wg.Add(1)
		go func(i int, rule *rules.Rule) {
			defer wg.Done()
			defer sem.Release(1)
			defer close(done[i])
			d.runRule(ctx, rule, ec, &summaries[i], done[:i])
		}(i, rule)
	}
	wg.Wait()

	return summaries, ctx.Err()
}

func orderRules(in []*rules.Rule) []*rules.Rule {
	out := make([]*rules.Rule, 0, len(in))
	for _, r := range in {
		if r.IsActive {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}

// ruleProgress is shared between a rule's worker goroutine and its
// supervisor so a timed-out rule can still be recorded with what is known.
type ruleProgress struct {
	mu             sync.Mutex
	state          RuleState
	outcome        Outcome
	actionsSuccess *bool
	actions        []rules.ActionOutcome
	err            error
}

func (p *ruleProgress) set(fn func(p *ruleProgress)) {
	p.mu.Lock()
	fn(p)
	p.mu.Unlock()
}

func (p *ruleProgress) snapshot() ruleProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ruleProgress{
		state:          p.state,
		outcome:        p.outcome,
		actionsSuccess: p.actionsSuccess,
		actions:        append([]rules.ActionOutcome(nil), p.actions...),
		err:            p.err,
	}
}

// runRule drives one rule through evaluate, execute and record. The worker
// runs in its own goroutine so a handler that ignores its context cannot
// hold the rule past its timeout.
func (d *Dispatcher) runRule(ctx context.Context, rule *rules.Rule, ec *EvalContext, sum *ExecutionSummary, earlier []chan struct{}) {
	started := sum.StartedAt
	rctx, cancel := context.WithTimeout(ctx, d.cfg.RuleTimeout)
	defer cancel()

	prog := &ruleProgress{state: StateEvaluating}
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer func() {
			if p := recover(); p != nil {
				prog.set(func(pr *ruleProgress) { pr.err = fmt.Errorf("panic: %v", p) })
			}
		}()
		d.evaluateAndExecute(rctx, rule, ec, prog, earlier)
	}()

	select {
	case <-finished:
	case <-rctx.Done():
	}
	res := prog.snapshot()

	if !isFinished(finished) || isContextErr(res.err) {
		switch {
		case ctx.Err() != nil:
			res.err = errDispatchCancelled
		case rctx.Err() != nil:
			res.err = TimeoutError{}
		}
	}
	if res.err != nil && res.state == StateExecuting {
		failed := false
		res.actionsSuccess = &failed
		res.state = StateActionsFailed
	}

	exec := &rules.RuleExecution{
		RuleID:            rule.ID,
		TriggerEvent:      ec.Event.TriggerEvent,
		TriggerData:       ec.Event.Payload,
		PatientID:         optional(ec.Event.PatientID),
		TriggeredBy:       optional(ec.Event.TriggeredBy),
		ComputedVariables: res.outcome.Consulted,
		ConditionsMet:     res.outcome.Met && res.state != StateEvaluating,
		ActionsPerformed:  res.actions,
		ActionsSuccess:    res.actionsSuccess,
		DebugInfo: map[string]any{
			"final_state": string(res.state),
			"priority":    rule.Priority,
			"sequence":    sum.Sequence,
			"notes":       res.outcome.Notes,
		},
		ExecutionTimeMs: time.Since(started).Milliseconds(),
	}
	if res.err != nil {
		msg := res.err.Error()
		exec.ErrorMessage = &msg
	}

	// Recording happens even when the dispatch was cancelled.
	recordErr := d.recorder.Record(context.WithoutCancel(ctx), exec)
	if recordErr != nil {
		d.logger.Error().Err(recordErr).Str("rule_id", rule.ID.String()).Msg("failed to record rule execution")
	} else {
		id := exec.ID
		sum.ExecutionID = &id
	}

	outcome := "success"
	if !exec.Succeeded() {
		outcome = "failure"
	}
	d.metrics.ObserveRule(ec.Event.TriggerEvent, outcome, time.Since(started))

	sum.State = StateRecorded
	sum.Outcome = res.state
	sum.ConditionsMet = exec.ConditionsMet
	sum.ActionsSuccess = exec.ActionsSuccess
	sum.ComputedVariables = exec.ComputedVariables
	sum.Actions = exec.ActionsPerformed
	sum.ExecutionTimeMs = exec.ExecutionTimeMs
	if exec.ErrorMessage != nil {
		sum.Error = *exec.ErrorMessage
		d.logger.Warn().
			Str("rule_id", rule.ID.String()).
			Str("trigger_event", ec.Event.TriggerEvent).
			Str("error", sum.Error).
			Msg("rule execution failed")
	}
	if recordErr != nil {
		msg := "record failed: " + recordErr.Error()
		if sum.Error != "" {
			msg = sum.Error + "; " + msg
		}
		sum.Error = msg
	}
}

func (d *Dispatcher) evaluateAndExecute(ctx context.Context, rule *rules.Rule, ec *EvalContext, prog *ruleProgress, earlier []chan struct{}) {
	outcome, err := d.evaluator.Evaluate(ctx, rule.Conditions, ec)
	if err != nil {
		prog.set(func(p *ruleProgress) { p.err = err })
		return
	}
	evalErr := outcome.Err()

	if !outcome.Met {
		prog.set(func(p *ruleProgress) {
			p.outcome = outcome
			p.state = StateConditionsNotMet
			p.err = evalErr
		})
		return
	}
	prog.set(func(p *ruleProgress) {
		p.outcome = outcome
		p.state = StateConditionsMet
	})

	if needsSerialize(rule) {
		for _, ch := range earlier {
			select {
			case <-ch:
			case <-ctx.Done():
				prog.set(func(p *ruleProgress) { p.err = ctx.Err() })
				return
			}
		}
	}

	prog.set(func(p *ruleProgress) { p.state = StateExecuting })
	ok, actions, err := d.executor.Execute(ctx, rule, ec)
	prog.set(func(p *ruleProgress) {
		p.actions = actions
		p.actionsSuccess = &ok
		if ok {
			p.state = StateActionsSucceeded
		} else {
			p.state = StateActionsFailed
		}
		p.err = errors.Join(evalErr, err)
	})
}

func needsSerialize(rule *rules.Rule) bool {
	for _, a := range rule.Actions {
		if a.Serialize {
			return true
		}
	}
	return false
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func isFinished(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ---------------------------------------------------------------------------
// Dry run
// ---------------------------------------------------------------------------

// DryRunResult reports what a rule would do for a sample event.
type DryRunResult struct {
	RuleID            uuid.UUID      `json:"rule_id"`
	ConditionsMet     bool           `json:"conditions_met"`
	ComputedVariables map[string]any `json:"computed_variables"`
	Notes             []Note         `json:"notes,omitempty"`
	WouldExecute      []string       `json:"would_execute"`
	Error             string         `json:"error,omitempty"`
	ExecutionTimeMs   int64          `json:"execution_time_ms"`
}

// DryRun evaluates a rule's conditions without running actions or recording
// anything. Inactive rules can be dry-run.
func (d *Dispatcher) DryRun(ctx context.Context, ruleID uuid.UUID, ev Event) (*DryRunResult, error) {
	rule, err := d.rules.GetByID(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if ev.TriggerEvent == "" {
		ev.TriggerEvent = rule.TriggerEvent
	}

	start := time.Now()
	rctx, cancel := context.WithTimeout(ctx, d.cfg.RuleTimeout)
	defer cancel()

	ec := NewEvalContext(ev, start)
	ec.cache = newResolutionCache()
	outcome, err := d.evaluator.Evaluate(rctx, rule.Conditions, ec)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			err = TimeoutError{}
		}
		return nil, err
	}

	out := &DryRunResult{
		RuleID:            rule.ID,
		ConditionsMet:     outcome.Met,
		ComputedVariables: outcome.Consulted,
		Notes:             outcome.Notes,
		WouldExecute:      []string{},
		ExecutionTimeMs:   time.Since(start).Milliseconds(),
	}
	if err := outcome.Err(); err != nil {
		out.Error = err.Error()
	}
	if outcome.Met {
		for _, a := range rule.Actions {
			out.WouldExecute = append(out.WouldExecute, a.Type)
		}
	}
	return out, nil
}
