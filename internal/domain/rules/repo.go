package rules

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrVariableInUse = errors.New("variable is used by one or more rules")
)

type RuleRepository interface {
	Create(ctx context.Context, r *Rule) error
	GetByID(ctx context.Context, id uuid.UUID) (*Rule, error)
	GetByName(ctx context.Context, name string) (*Rule, error)
	Update(ctx context.Context, r *Rule) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	List(ctx context.Context, filter RuleFilter, limit, offset int) ([]*Rule, int, error)
	ListActiveByTrigger(ctx context.Context, triggerEvent string) ([]*Rule, error)
	ListByVariable(ctx context.Context, variableKey string) ([]*Rule, error)
}

type VariableRepository interface {
	Create(ctx context.Context, v *RuleVariable) error
	GetByID(ctx context.Context, id uuid.UUID) (*RuleVariable, error)
	GetByKey(ctx context.Context, key string) (*RuleVariable, error)
	Update(ctx context.Context, v *RuleVariable) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, category string, limit, offset int) ([]*RuleVariable, int, error)
}

// ExecutionRepository is append-only. AppendExecution inserts the record and
// updates the owning rule's counters in one transaction.
type ExecutionRepository interface {
	AppendExecution(ctx context.Context, exec *RuleExecution, success bool) error
	ListByRule(ctx context.Context, ruleID uuid.UUID, limit, offset int) ([]*RuleExecution, int, error)
}
