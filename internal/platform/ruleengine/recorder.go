package ruleengine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ruleengine/internal/domain/rules"
)

// ExecutionStore persists execution records. AppendExecution must insert the
// record and bump the rule's counters atomically: execution_count by one and
// exactly one of success_count or failure_count.
type ExecutionStore interface {
	AppendExecution(ctx context.Context, exec *rules.RuleExecution, success bool) error
}

// Recorder writes one RuleExecution per evaluated rule.
type Recorder struct {
	store  ExecutionStore
	logger zerolog.Logger
}

func NewRecorder(store ExecutionStore, logger zerolog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// Record fills identity fields, classifies the outcome and persists it.
func (r *Recorder) Record(ctx context.Context, exec *rules.RuleExecution) error {
	if exec.ID == uuid.Nil {
		exec.ID = uuid.New()
	}
	if exec.ExecutedAt.IsZero() {
		exec.ExecutedAt = time.Now().UTC()
	}
	if exec.ComputedVariables == nil {
		exec.ComputedVariables = map[string]any{}
	}
	if exec.ActionsPerformed == nil {
		exec.ActionsPerformed = []rules.ActionOutcome{}
	}

	success := exec.Succeeded()
	if err := r.store.AppendExecution(ctx, exec, success); err != nil {
		return fmt.Errorf("record execution for rule %s: %w", exec.RuleID, err)
	}

	r.logger.Debug().
		Str("rule_id", exec.RuleID.String()).
		Str("trigger_event", exec.TriggerEvent).
		Bool("conditions_met", exec.ConditionsMet).
		Bool("success", success).
		Int64("duration_ms", exec.ExecutionTimeMs).
		Msg("rule execution recorded")
	return nil
}
