package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrValidation wraps every input error the service rejects.
var ErrValidation = errors.New("validation error")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Engine is the evaluation side the admin surface delegates to. It is
// implemented by the rule engine and attached with SetEngine.
type Engine interface {
	Dispatch(ctx context.Context, req EventRequest) (any, error)
	TestRule(ctx context.Context, ruleID uuid.UUID, req EventRequest) (any, error)
	TestVariable(ctx context.Context, variableID uuid.UUID, req VariableTestRequest) (*VariableTestResult, error)
	CheckFormula(formula string) error
}

type Service struct {
	rules  RuleRepository
	vars   VariableRepository
	execs  ExecutionRepository
	engine Engine
	logger zerolog.Logger
}

func NewService(rules RuleRepository, vars VariableRepository, execs ExecutionRepository, logger zerolog.Logger) *Service {
	return &Service{rules: rules, vars: vars, execs: execs, logger: logger}
}

// SetEngine attaches the evaluation engine. Test and dispatch operations
// fail until it is set.
func (s *Service) SetEngine(e Engine) {
	s.engine = e
}

var errNoEngine = errors.New("rule engine is not configured")

// -- Rules --

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func (s *Service) validateRule(ctx context.Context, r *Rule) error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return invalid("name is required")
	}
	if r.TriggerEvent == "" {
		return invalid("trigger_event is required")
	}
	if r.RuleType == "" {
		r.RuleType = "clinical"
	}
	if !contains(RuleTypes, r.RuleType) {
		return invalid("invalid rule_type: %s", r.RuleType)
	}
	if r.Category != nil && *r.Category != "" && !contains(RuleCategories, *r.Category) {
		return invalid("invalid category: %s", *r.Category)
	}
	for i, a := range r.Actions {
		if strings.TrimSpace(a.Type) == "" {
			return invalid("actions[%d]: type is required", i)
		}
	}

	r.Prepare()
	for _, key := range r.UsedVariables {
		if _, err := s.vars.GetByKey(ctx, key); err != nil {
			if errors.Is(err, ErrNotFound) {
				return invalid("unknown variable %q", key)
			}
			return err
		}
	}
	return nil
}

func (s *Service) CreateRule(ctx context.Context, r *Rule) error {
	if err := s.validateRule(ctx, r); err != nil {
		return err
	}
	if err := s.rules.Create(ctx, r); err != nil {
		return err
	}
	s.logger.Info().Str("rule_id", r.ID.String()).Str("trigger_event", r.TriggerEvent).Msg("rule created")
	return nil
}

func (s *Service) GetRule(ctx context.Context, id uuid.UUID) (*Rule, error) {
	return s.rules.GetByID(ctx, id)
}

func (s *Service) ListRules(ctx context.Context, filter RuleFilter, limit, offset int) ([]*Rule, int, error) {
	return s.rules.List(ctx, filter, limit, offset)
}

// UpdateRule replaces a rule's definition. Counters and timestamps are kept
// from the stored row.
func (s *Service) UpdateRule(ctx context.Context, r *Rule) error {
	existing, err := s.rules.GetByID(ctx, r.ID)
	if err != nil {
		return err
	}
	if err := s.validateRule(ctx, r); err != nil {
		return err
	}
	r.ExecutionCount = existing.ExecutionCount
	r.SuccessCount = existing.SuccessCount
	r.FailureCount = existing.FailureCount
	r.LastExecutedAt = existing.LastExecutedAt
	r.CreatedAt = existing.CreatedAt
	return s.rules.Update(ctx, r)
}

// DeleteRule deactivates the rule. Execution history stays attributable.
func (s *Service) DeleteRule(ctx context.Context, id uuid.UUID) error {
	return s.SetRuleActive(ctx, id, false)
}

func (s *Service) SetRuleActive(ctx context.Context, id uuid.UUID, active bool) error {
	if err := s.rules.SetActive(ctx, id, active); err != nil {
		return err
	}
	s.logger.Info().Str("rule_id", id.String()).Bool("is_active", active).Msg("rule toggled")
	return nil
}

func (s *Service) ListExecutions(ctx context.Context, ruleID uuid.UUID, limit, offset int) ([]*RuleExecution, int, error) {
	if _, err := s.rules.GetByID(ctx, ruleID); err != nil {
		return nil, 0, err
	}
	return s.execs.ListByRule(ctx, ruleID, limit, offset)
}

func (s *Service) TestRule(ctx context.Context, id uuid.UUID, req EventRequest) (any, error) {
	if s.engine == nil {
		return nil, errNoEngine
	}
	return s.engine.TestRule(ctx, id, req)
}

func (s *Service) Dispatch(ctx context.Context, req EventRequest) (any, error) {
	if s.engine == nil {
		return nil, errNoEngine
	}
	if req.TriggerEvent == "" {
		return nil, invalid("trigger_event is required")
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	return s.engine.Dispatch(ctx, req)
}

// -- Variables --

func (s *Service) validateVariable(ctx context.Context, v *RuleVariable) error {
	v.Name = strings.TrimSpace(v.Name)
	if v.Name == "" {
		return invalid("name is required")
	}
	if !ValidVariableKey(v.VariableKey) {
		return invalid("variable_key must start with a letter and contain only letters, digits and underscores")
	}
	if v.Category == "" {
		v.Category = "custom"
	}
	if !contains(VariableCategories, v.Category) {
		return invalid("invalid category: %s", v.Category)
	}
	if v.ResultType == "" {
		v.ResultType = "number"
	}
	if v.ReferenceLow != nil && v.ReferenceHigh != nil && *v.ReferenceLow > *v.ReferenceHigh {
		return invalid("reference_low must not exceed reference_high")
	}

	switch v.ComputationType {
	case ComputeAggregate:
		if v.DataSource == nil || *v.DataSource == "" {
			return invalid("data_source is required for aggregate variables")
		}
		if v.AggregateFunction == nil || !contains(AggregateFunctions, *v.AggregateFunction) {
			return invalid("aggregate_function must be one of %s", strings.Join(AggregateFunctions, ", "))
		}
	case ComputeFormula:
		if v.Formula == nil || strings.TrimSpace(*v.Formula) == "" {
			return invalid("formula is required for formula variables")
		}
		if s.engine != nil {
			if err := s.engine.CheckFormula(*v.Formula); err != nil {
				return invalid("formula: %v", err)
			}
		}
		if err := s.checkFormulaCycle(ctx, v); err != nil {
			return err
		}
	case ComputeLookup:
		if v.LookupTable == nil || *v.LookupTable == "" {
			return invalid("lookup_table is required for lookup variables")
		}
	case ComputeTimeBased:
		hasAnchor := v.TimeAnchor != nil && *v.TimeAnchor != ""
		hasSource := v.DataSource != nil && *v.DataSource != ""
		if !hasAnchor && !hasSource {
			return invalid("time_anchor or data_source is required for time_based variables")
		}
	case ComputeCustom:
	default:
		return invalid("invalid computation_type: %s", v.ComputationType)
	}
	return nil
}

// checkFormulaCycle rejects a formula that would reach its own key through
// stored formula variables. Resolution detects cycles as well; this catches
// them before they are saved.
func (s *Service) checkFormulaCycle(ctx context.Context, v *RuleVariable) error {
	seen := map[string]bool{}
	var walk func(deps []string, path []string) error
	walk = func(deps []string, path []string) error {
		for _, dep := range deps {
			next := append(append([]string{}, path...), dep)
			if dep == v.VariableKey {
				return invalid("circular variable reference: %s", strings.Join(next, " -> "))
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			stored, err := s.vars.GetByKey(ctx, dep)
			if errors.Is(err, ErrNotFound) {
				return invalid("formula references unknown variable %q", dep)
			}
			if err != nil {
				return err
			}
			if stored.ComputationType == ComputeFormula {
				if err := walk(stored.FormulaDependencies(), next); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return walk(v.FormulaDependencies(), []string{v.VariableKey})
}

func (s *Service) CreateVariable(ctx context.Context, v *RuleVariable) error {
	if err := s.validateVariable(ctx, v); err != nil {
		return err
	}
	if _, err := s.vars.GetByKey(ctx, v.VariableKey); err == nil {
		return invalid("variable_key %q already exists", v.VariableKey)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := s.vars.Create(ctx, v); err != nil {
		return err
	}
	s.logger.Info().Str("variable_key", v.VariableKey).Str("computation_type", string(v.ComputationType)).Msg("variable created")
	return nil
}

func (s *Service) GetVariable(ctx context.Context, id uuid.UUID) (*RuleVariable, error) {
	return s.vars.GetByID(ctx, id)
}

func (s *Service) ListVariables(ctx context.Context, category string, limit, offset int) ([]*RuleVariable, int, error) {
	return s.vars.List(ctx, category, limit, offset)
}

// UpdateVariable refuses to rename a key that rules still reference.
func (s *Service) UpdateVariable(ctx context.Context, v *RuleVariable) error {
	existing, err := s.vars.GetByID(ctx, v.ID)
	if err != nil {
		return err
	}
	if err := s.validateVariable(ctx, v); err != nil {
		return err
	}
	if v.VariableKey != existing.VariableKey {
		users, err := s.rules.ListByVariable(ctx, existing.VariableKey)
		if err != nil {
			return err
		}
		if len(users) > 0 {
			return fmt.Errorf("%w: %d rule(s) reference %q", ErrVariableInUse, len(users), existing.VariableKey)
		}
		if _, err := s.vars.GetByKey(ctx, v.VariableKey); err == nil {
			return invalid("variable_key %q already exists", v.VariableKey)
		}
	}
	v.CreatedAt = existing.CreatedAt
	return s.vars.Update(ctx, v)
}

// DeleteVariable removes a variable no rule references.
func (s *Service) DeleteVariable(ctx context.Context, id uuid.UUID) error {
	v, err := s.vars.GetByID(ctx, id)
	if err != nil {
		return err
	}
	users, err := s.rules.ListByVariable(ctx, v.VariableKey)
	if err != nil {
		return err
	}
	if len(users) > 0 {
		return fmt.Errorf("%w: %d rule(s) reference %q", ErrVariableInUse, len(users), v.VariableKey)
	}
	return s.vars.Delete(ctx, id)
}

// VariableUsage lists the rules whose conditions or actions reference the
// variable.
func (s *Service) VariableUsage(ctx context.Context, id uuid.UUID) ([]*Rule, error) {
	v, err := s.vars.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.rules.ListByVariable(ctx, v.VariableKey)
}

func (s *Service) TestVariable(ctx context.Context, id uuid.UUID, req VariableTestRequest) (*VariableTestResult, error) {
	if s.engine == nil {
		return nil, errNoEngine
	}
	return s.engine.TestVariable(ctx, id, req)
}
