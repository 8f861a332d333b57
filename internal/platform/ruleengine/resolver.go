package ruleengine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ruleengine/internal/domain/rules"
	"github.com/ehr/ruleengine/internal/platform/metrics"
)

// Status is the resolution status vocabulary shared with the admin UI.
type Status string

const (
	StatusOptimal      Status = "optimal"
	StatusNormal       Status = "normal"
	StatusInsufficient Status = "insufficient"
	StatusElevated     Status = "elevated"
	StatusUnavailable  Status = "unavailable"
	StatusError        Status = "error"
)

// OK reports whether the status carries a usable value.
func (s Status) OK() bool {
	switch s {
	case StatusOptimal, StatusNormal, StatusInsufficient, StatusElevated:
		return true
	}
	return false
}

// Resolution is the outcome of resolving one variable.
type Resolution struct {
	Key    string
	Value  any
	Status Status
	Err    error
}

func (r Resolution) cacheable() bool {
	return !errors.Is(r.Err, context.Canceled) && !errors.Is(r.Err, context.DeadlineExceeded)
}

// VariableStore is the read side of the variable definitions the resolver
// needs. GetByKey returns rules.ErrNotFound for unknown keys.
type VariableStore interface {
	GetByKey(ctx context.Context, key string) (*rules.RuleVariable, error)
	GetByID(ctx context.Context, id uuid.UUID) (*rules.RuleVariable, error)
}

// CustomResolver computes a custom variable. Returning a nil value means
// unavailable.
type CustomResolver func(ctx context.Context, v *rules.RuleVariable, ec *EvalContext) (any, error)

// Resolver computes variable values. It holds no per-call state; the
// dispatch cache travels in the EvalContext.
type Resolver struct {
	variables VariableStore
	data      DataPointSource
	lookups   LookupSource
	formulas  *formulaEngine
	metrics   metrics.Metrics
	logger    zerolog.Logger

	mu     sync.RWMutex
	custom map[string]CustomResolver
}

func NewResolver(variables VariableStore, data DataPointSource, lookups LookupSource, m metrics.Metrics, logger zerolog.Logger) (*Resolver, error) {
	formulas, err := newFormulaEngine()
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Resolver{
		variables: variables,
		data:      data,
		lookups:   lookups,
		formulas:  formulas,
		metrics:   m,
		logger:    logger,
		custom:    make(map[string]CustomResolver),
	}, nil
}

// RegisterCustom installs the resolver for a custom variable key.
func (r *Resolver) RegisterCustom(variableKey string, fn CustomResolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.custom[variableKey] = fn
}

// CheckFormula validates that a formula compiles.
func (r *Resolver) CheckFormula(formula string) error {
	return r.formulas.Check(formula)
}

// Resolve computes the current value of variableKey for ec.
func (r *Resolver) Resolve(ctx context.Context, variableKey string, ec *EvalContext) (any, Status, error) {
	res := r.resolve(ctx, variableKey, ec, nil, true)
	return res.Value, res.Status, res.Err
}

// resolve is the single resolution path. visited holds the chain of keys
// currently being computed; shared selects whether to join in-flight
// computations of the same key (only safe for top-level calls, since a
// nested call joining its own ancestor would deadlock).
func (r *Resolver) resolve(ctx context.Context, key string, ec *EvalContext, visited []string, shared bool) Resolution {
	for _, k := range visited {
		if k == key {
			path := append(append([]string{}, visited...), key)
			return Resolution{Key: key, Status: StatusError, Err: &CircularReferenceError{Path: path}}
		}
	}

	chain := append(append([]string{}, visited...), key)
	if ec.cache == nil {
		return r.compute(ctx, key, ec, chain)
	}

	ck := cacheKey(key, ec.Subject())
	if shared {
		res := ec.cache.do(ctx, ck, func(ctx context.Context) Resolution { return r.compute(ctx, key, ec, chain) })
		res.Key = key
		return res
	}
	if res, ok := ec.cache.get(ck); ok {
		return res
	}
	res := r.compute(ctx, key, ec, chain)
	if res.cacheable() {
		ec.cache.put(ck, res)
	}
	return res
}

func (r *Resolver) compute(ctx context.Context, key string, ec *EvalContext, chain []string) Resolution {
	start := time.Now()

	v, err := r.variables.GetByKey(ctx, key)
	if err != nil {
		if errors.Is(err, rules.ErrNotFound) {
			return r.finish(key, "", start, nil, fmt.Errorf("%w: %q is not defined", ErrVariableUnavailable, key))
		}
		return r.finish(key, "", start, nil, err)
	}
	if !v.IsActive {
		return r.finish(key, v.ComputationType, start, nil, fmt.Errorf("%w: %q is inactive", ErrVariableUnavailable, key))
	}

	var value any
	switch v.ComputationType {
	case rules.ComputeAggregate:
		value, err = r.resolveAggregate(ctx, v, ec)
	case rules.ComputeFormula:
		value, err = r.resolveFormula(ctx, v, ec, chain)
	case rules.ComputeLookup:
		value, err = r.resolveLookup(ctx, v, ec)
	case rules.ComputeTimeBased:
		value, err = r.resolveTimeBased(ctx, v, ec)
	case rules.ComputeCustom:
		value, err = r.resolveCustom(ctx, v, ec)
	default:
		err = fmt.Errorf("unknown computation type %q", v.ComputationType)
	}
	if err == nil {
		value, err = coerceResult(v.ResultType, value)
	}
	if err == nil {
		err = checkFinite(v.ComputationType, value)
	}

	res := r.finish(key, v.ComputationType, start, value, err)
	if res.Status.OK() {
		res.Status = grade(v, res.Value)
	}
	return res
}

// finish classifies the error, records metrics and builds the Resolution.
func (r *Resolver) finish(key string, ct rules.ComputationType, start time.Time, value any, err error) Resolution {
	res := Resolution{Key: key}
	var cyc *CircularReferenceError
	switch {
	case err == nil && value == nil:
		res.Status = StatusUnavailable
		res.Err = ErrVariableUnavailable
	case err == nil:
		res.Status = StatusNormal
		res.Value = normalizeValue(value)
	case errors.Is(err, ErrVariableUnavailable):
		res.Status = StatusUnavailable
		res.Err = err
	case errors.As(err, &cyc), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		res.Status = StatusError
		res.Err = err
	default:
		res.Status = StatusError
		res.Err = &VariableResolutionError{Key: key, Err: err}
	}

	r.metrics.VariableResolved(string(ct), string(res.Status), time.Since(start))
	if res.Status == StatusError {
		r.logger.Warn().Err(res.Err).Str("variable_key", key).Msg("variable resolution failed")
	}
	return res
}

func (r *Resolver) resolveLookup(ctx context.Context, v *rules.RuleVariable, ec *EvalContext) (any, error) {
	if r.lookups == nil {
		return nil, fmt.Errorf("no lookup source configured")
	}
	if v.LookupTable == nil || *v.LookupTable == "" {
		return nil, fmt.Errorf("lookup variable has no lookup_table")
	}

	key := ec.Subject()
	if v.LookupKey != nil && *v.LookupKey != "" {
		raw, ok := ec.LookupField(*v.LookupKey)
		if !ok || raw == nil {
			return nil, ErrVariableUnavailable
		}
		key = formatValue(raw)
	}
	if key == "" {
		return nil, ErrVariableUnavailable
	}

	field := "value"
	if v.LookupValue != nil && *v.LookupValue != "" {
		field = *v.LookupValue
	}
	value, found, err := r.lookups.Lookup(ctx, *v.LookupTable, key, field)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrVariableUnavailable
	}
	return value, nil
}

func (r *Resolver) resolveCustom(ctx context.Context, v *rules.RuleVariable, ec *EvalContext) (any, error) {
	r.mu.RLock()
	fn, ok := r.custom[v.VariableKey]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no custom resolver registered for %q", ErrVariableUnavailable, v.VariableKey)
	}
	return fn(ctx, v, ec)
}

// checkFinite rejects NaN and infinities; they cannot be recorded or
// encoded as JSON.
func checkFinite(ct rules.ComputationType, value any) error {
	f, ok := value.(float64)
	if !ok || (!math.IsInf(f, 0) && !math.IsNaN(f)) {
		return nil
	}
	return fmt.Errorf("%s result is not finite", ct)
}

func coerceResult(resultType string, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch resultType {
	case "number", "":
		if _, isBool := value.(bool); isBool {
			return value, nil
		}
		if n, ok := toNumber(value); ok {
			return n, nil
		}
	case "boolean":
		if s, ok := value.(string); ok {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return nil, fmt.Errorf("expected boolean, got %q", s)
			}
			return b, nil
		}
	case "string":
		if _, ok := value.(string); !ok {
			return formatValue(value), nil
		}
	}
	return value, nil
}

// grade maps a numeric value onto the reference band.
func grade(v *rules.RuleVariable, value any) Status {
	if v.ReferenceLow == nil && v.ReferenceHigh == nil {
		return StatusNormal
	}
	n, ok := toNumber(value)
	if !ok {
		return StatusNormal
	}
	if v.ReferenceLow != nil && n < *v.ReferenceLow {
		return StatusInsufficient
	}
	if v.ReferenceHigh != nil && n > *v.ReferenceHigh {
		return StatusElevated
	}
	return StatusOptimal
}

// ---------------------------------------------------------------------------
// Test Variable
// ---------------------------------------------------------------------------

// Test resolves one variable outside of any rule through the same path as a
// live dispatch.
func (r *Resolver) Test(ctx context.Context, variableID uuid.UUID, req rules.VariableTestRequest) (*rules.VariableTestResult, error) {
	v, err := r.variables.GetByID(ctx, variableID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ec := NewEvalContext(Event{TriggerEvent: "variable:test", Payload: req.Payload, PatientID: req.PatientID}, start)
	value, status, resErr := r.Resolve(ctx, v.VariableKey, ec)

	out := &rules.VariableTestResult{
		VariableKey:     v.VariableKey,
		Value:           value,
		Status:          string(status),
		ResultType:      v.ResultType,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}
	if v.Unit != nil {
		out.Unit = *v.Unit
	}
	if resErr != nil {
		out.Error = resErr.Error()
	}
	return out, nil
}
