package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ruleengine/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func connFor(ctx context.Context, pool *pgxpool.Pool) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if p := db.PoolFromContext(ctx); p != nil {
		return p
	}
	return pool
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// =========== Rule Repository ===========

type ruleRepoPG struct{ pool *pgxpool.Pool }

func NewRuleRepo(pool *pgxpool.Pool) RuleRepository { return &ruleRepoPG{pool: pool} }

func (r *ruleRepoPG) conn(ctx context.Context) querier { return connFor(ctx, r.pool) }

const ruleCols = `id, name, description, rule_type, category, trigger_event, conditions, actions,
	used_variables, priority, is_active, execution_count, success_count, failure_count,
	last_executed_at, created_at, updated_at`

func (r *ruleRepoPG) scanRule(row pgx.Row) (*Rule, error) {
	var ru Rule
	var conditions, actions []byte
	err := row.Scan(&ru.ID, &ru.Name, &ru.Description, &ru.RuleType, &ru.Category, &ru.TriggerEvent,
		&conditions, &actions, &ru.UsedVariables, &ru.Priority, &ru.IsActive,
		&ru.ExecutionCount, &ru.SuccessCount, &ru.FailureCount,
		&ru.LastExecutedAt, &ru.CreatedAt, &ru.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if err := ru.Conditions.UnmarshalJSON(conditions); err != nil {
		return nil, fmt.Errorf("rule %s: %w", ru.ID, err)
	}
	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &ru.Actions); err != nil {
			return nil, fmt.Errorf("rule %s: decode actions: %w", ru.ID, err)
		}
	}
	ru.Prepare()
	return &ru, nil
}

func (r *ruleRepoPG) collect(rows pgx.Rows) ([]*Rule, error) {
	defer rows.Close()
	var items []*Rule
	for rows.Next() {
		ru, err := r.scanRule(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, ru)
	}
	return items, rows.Err()
}

func encodeRuleDocs(ru *Rule) ([]byte, []byte, error) {
	conditions, err := ru.Conditions.MarshalJSON()
	if err != nil {
		return nil, nil, err
	}
	if ru.Actions == nil {
		ru.Actions = []Action{}
	}
	actions, err := json.Marshal(ru.Actions)
	if err != nil {
		return nil, nil, err
	}
	return conditions, actions, nil
}

func (r *ruleRepoPG) Create(ctx context.Context, ru *Rule) error {
	ru.ID = uuid.New()
	ru.Prepare()
	conditions, actions, err := encodeRuleDocs(ru)
	if err != nil {
		return err
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO rules (id, name, description, rule_type, category, trigger_event,
			conditions, actions, used_variables, priority, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		ru.ID, ru.Name, ru.Description, ru.RuleType, ru.Category, ru.TriggerEvent,
		conditions, actions, ru.UsedVariables, ru.Priority, ru.IsActive,
	).Scan(&ru.CreatedAt, &ru.UpdatedAt)
}

func (r *ruleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Rule, error) {
	return r.scanRule(r.conn(ctx).QueryRow(ctx, `SELECT `+ruleCols+` FROM rules WHERE id = $1`, id))
}

func (r *ruleRepoPG) GetByName(ctx context.Context, name string) (*Rule, error) {
	return r.scanRule(r.conn(ctx).QueryRow(ctx,
		`SELECT `+ruleCols+` FROM rules WHERE name = $1 ORDER BY created_at LIMIT 1`, name))
}

// Update rewrites the definition. Counters are owned by AppendExecution and
// are never touched here.
func (r *ruleRepoPG) Update(ctx context.Context, ru *Rule) error {
	ru.Prepare()
	conditions, actions, err := encodeRuleDocs(ru)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE rules SET
			name=$2, description=$3, rule_type=$4, category=$5, trigger_event=$6,
			conditions=$7, actions=$8, used_variables=$9, priority=$10, is_active=$11,
			updated_at=NOW()
		WHERE id = $1`,
		ru.ID, ru.Name, ru.Description, ru.RuleType, ru.Category, ru.TriggerEvent,
		conditions, actions, ru.UsedVariables, ru.Priority, ru.IsActive,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ruleRepoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE rules SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ruleRepoPG) List(ctx context.Context, filter RuleFilter, limit, offset int) ([]*Rule, int, error) {
	var where []string
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.TriggerEvent != "" {
		add("trigger_event = $%d", filter.TriggerEvent)
	}
	if filter.RuleType != "" {
		add("rule_type = $%d", filter.RuleType)
	}
	if filter.Category != "" {
		add("category = $%d", filter.Category)
	}
	if filter.Active != nil {
		add("is_active = $%d", *filter.Active)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM rules`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT `+ruleCols+` FROM rules%s ORDER BY priority, id LIMIT $%d OFFSET $%d`,
			cond, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.collect(rows)
	return items, total, err
}

func (r *ruleRepoPG) ListActiveByTrigger(ctx context.Context, triggerEvent string) ([]*Rule, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+ruleCols+` FROM rules
		WHERE trigger_event = $1 AND is_active
		ORDER BY priority ASC, id ASC`, triggerEvent)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *ruleRepoPG) ListByVariable(ctx context.Context, variableKey string) ([]*Rule, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+ruleCols+` FROM rules
		WHERE used_variables @> ARRAY[$1]::text[]
		ORDER BY priority, id`, variableKey)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

// =========== Variable Repository ===========

type variableRepoPG struct{ pool *pgxpool.Pool }

func NewVariableRepo(pool *pgxpool.Pool) VariableRepository { return &variableRepoPG{pool: pool} }

func (r *variableRepoPG) conn(ctx context.Context) querier { return connFor(ctx, r.pool) }

const variableCols = `id, name, variable_key, description, category, computation_type, data_source,
	aggregate_function, aggregate_field, aggregate_filters, time_window_hours, formula,
	lookup_table, lookup_key, lookup_value, time_anchor, time_unit, result_type, unit,
	reference_low, reference_high, is_active, created_at, updated_at`

func scanVariable(row pgx.Row) (*RuleVariable, error) {
	var v RuleVariable
	var filters []byte
	err := row.Scan(&v.ID, &v.Name, &v.VariableKey, &v.Description, &v.Category, &v.ComputationType,
		&v.DataSource, &v.AggregateFunction, &v.AggregateField, &filters, &v.TimeWindowHours,
		&v.Formula, &v.LookupTable, &v.LookupKey, &v.LookupValue, &v.TimeAnchor, &v.TimeUnit,
		&v.ResultType, &v.Unit, &v.ReferenceLow, &v.ReferenceHigh, &v.IsActive,
		&v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if len(filters) > 0 {
		if err := json.Unmarshal(filters, &v.AggregateFilters); err != nil {
			return nil, fmt.Errorf("variable %s: decode aggregate_filters: %w", v.VariableKey, err)
		}
	}
	return &v, nil
}

func encodeFilters(f map[string]string) ([]byte, error) {
	if f == nil {
		f = map[string]string{}
	}
	return json.Marshal(f)
}

func (r *variableRepoPG) Create(ctx context.Context, v *RuleVariable) error {
	v.ID = uuid.New()
	filters, err := encodeFilters(v.AggregateFilters)
	if err != nil {
		return err
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO rule_variables (id, name, variable_key, description, category, computation_type,
			data_source, aggregate_function, aggregate_field, aggregate_filters, time_window_hours,
			formula, lookup_table, lookup_key, lookup_value, time_anchor, time_unit, result_type,
			unit, reference_low, reference_high, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		RETURNING created_at, updated_at`,
		v.ID, v.Name, v.VariableKey, v.Description, v.Category, v.ComputationType,
		v.DataSource, v.AggregateFunction, v.AggregateField, filters, v.TimeWindowHours,
		v.Formula, v.LookupTable, v.LookupKey, v.LookupValue, v.TimeAnchor, v.TimeUnit, v.ResultType,
		v.Unit, v.ReferenceLow, v.ReferenceHigh, v.IsActive,
	).Scan(&v.CreatedAt, &v.UpdatedAt)
}

func (r *variableRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*RuleVariable, error) {
	return scanVariable(r.conn(ctx).QueryRow(ctx, `SELECT `+variableCols+` FROM rule_variables WHERE id = $1`, id))
}

func (r *variableRepoPG) GetByKey(ctx context.Context, key string) (*RuleVariable, error) {
	return scanVariable(r.conn(ctx).QueryRow(ctx, `SELECT `+variableCols+` FROM rule_variables WHERE variable_key = $1`, key))
}

func (r *variableRepoPG) Update(ctx context.Context, v *RuleVariable) error {
	filters, err := encodeFilters(v.AggregateFilters)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE rule_variables SET
			name=$2, variable_key=$3, description=$4, category=$5, computation_type=$6,
			data_source=$7, aggregate_function=$8, aggregate_field=$9, aggregate_filters=$10,
			time_window_hours=$11, formula=$12, lookup_table=$13, lookup_key=$14, lookup_value=$15,
			time_anchor=$16, time_unit=$17, result_type=$18, unit=$19,
			reference_low=$20, reference_high=$21, is_active=$22, updated_at=NOW()
		WHERE id = $1`,
		v.ID, v.Name, v.VariableKey, v.Description, v.Category, v.ComputationType,
		v.DataSource, v.AggregateFunction, v.AggregateField, filters,
		v.TimeWindowHours, v.Formula, v.LookupTable, v.LookupKey, v.LookupValue,
		v.TimeAnchor, v.TimeUnit, v.ResultType, v.Unit,
		v.ReferenceLow, v.ReferenceHigh, v.IsActive,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *variableRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM rule_variables WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *variableRepoPG) List(ctx context.Context, category string, limit, offset int) ([]*RuleVariable, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM rule_variables WHERE ($1 = '' OR category = $1)`, category).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+variableCols+` FROM rule_variables
		WHERE ($1 = '' OR category = $1)
		ORDER BY category, name LIMIT $2 OFFSET $3`, category, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*RuleVariable
	for rows.Next() {
		v, err := scanVariable(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, v)
	}
	return items, total, rows.Err()
}

// =========== Execution Repository ===========

type executionRepoPG struct{ pool *pgxpool.Pool }

func NewExecutionRepo(pool *pgxpool.Pool) ExecutionRepository { return &executionRepoPG{pool: pool} }

func (r *executionRepoPG) conn(ctx context.Context) querier { return connFor(ctx, r.pool) }

const executionCols = `id, rule_id, trigger_event, trigger_data, patient_id, triggered_by,
	computed_variables, conditions_met, actions_performed, actions_success, error_message,
	debug_info, execution_time_ms, executed_at`

// AppendExecution inserts the record and increments the rule's counters in
// the same transaction. The counter update is a single statement so
// concurrent dispatches for the same rule cannot lose increments.
func (r *executionRepoPG) AppendExecution(ctx context.Context, exec *RuleExecution, success bool) error {
	triggerData, err := json.Marshal(exec.TriggerData)
	if err != nil {
		return fmt.Errorf("encode trigger_data: %w", err)
	}
	computed, err := json.Marshal(exec.ComputedVariables)
	if err != nil {
		return fmt.Errorf("encode computed_variables: %w", err)
	}
	performed, err := json.Marshal(exec.ActionsPerformed)
	if err != nil {
		return fmt.Errorf("encode actions_performed: %w", err)
	}
	debug, err := json.Marshal(exec.DebugInfo)
	if err != nil {
		return fmt.Errorf("encode debug_info: %w", err)
	}
	if exec.ExecutedAt.IsZero() {
		exec.ExecutedAt = time.Now().UTC()
	}

	successInc, failureInc := 0, 1
	if success {
		successInc, failureInc = 1, 0
	}

	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		if _, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO rule_executions (id, rule_id, trigger_event, trigger_data, patient_id,
				triggered_by, computed_variables, conditions_met, actions_performed,
				actions_success, error_message, debug_info, execution_time_ms, executed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
			exec.ID, exec.RuleID, exec.TriggerEvent, triggerData, exec.PatientID,
			exec.TriggeredBy, computed, exec.ConditionsMet, performed,
			exec.ActionsSuccess, exec.ErrorMessage, debug, exec.ExecutionTimeMs, exec.ExecutedAt,
		); err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}

		tag, err := r.conn(ctx).Exec(ctx, `
			UPDATE rules SET
				execution_count = execution_count + 1,
				success_count = success_count + $2,
				failure_count = failure_count + $3,
				last_executed_at = $4
			WHERE id = $1`,
			exec.RuleID, successInc, failureInc, exec.ExecutedAt)
		if err != nil {
			return fmt.Errorf("update counters: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *executionRepoPG) ListByRule(ctx context.Context, ruleID uuid.UUID, limit, offset int) ([]*RuleExecution, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM rule_executions WHERE rule_id = $1`, ruleID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+executionCols+` FROM rule_executions
		WHERE rule_id = $1
		ORDER BY executed_at DESC, id DESC LIMIT $2 OFFSET $3`, ruleID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*RuleExecution
	for rows.Next() {
		var e RuleExecution
		var triggerData, computed, performed, debug []byte
		if err := rows.Scan(&e.ID, &e.RuleID, &e.TriggerEvent, &triggerData, &e.PatientID,
			&e.TriggeredBy, &computed, &e.ConditionsMet, &performed, &e.ActionsSuccess,
			&e.ErrorMessage, &debug, &e.ExecutionTimeMs, &e.ExecutedAt); err != nil {
			return nil, 0, err
		}
		for _, doc := range []struct {
			raw  []byte
			dest any
		}{
			{triggerData, &e.TriggerData},
			{computed, &e.ComputedVariables},
			{performed, &e.ActionsPerformed},
			{debug, &e.DebugInfo},
		} {
			if len(doc.raw) == 0 {
				continue
			}
			if err := json.Unmarshal(doc.raw, doc.dest); err != nil {
				return nil, 0, fmt.Errorf("execution %s: %w", e.ID, err)
			}
		}
		items = append(items, &e)
	}
	return items, total, rows.Err()
}
