package rules

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/google/uuid"
)

var variableKeyPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// ValidVariableKey reports whether key can be used inside {{var.key}}.
func ValidVariableKey(key string) bool { return variableKeyPattern.MatchString(key) }

// Rule maps to the rules table.
type Rule struct {
	ID             uuid.UUID     `db:"id" json:"id"`
	Name           string        `db:"name" json:"name"`
	Description    *string       `db:"description" json:"description,omitempty"`
	RuleType       string        `db:"rule_type" json:"rule_type"`
	Category       *string       `db:"category" json:"category,omitempty"`
	TriggerEvent   string        `db:"trigger_event" json:"trigger_event"`
	Conditions     ConditionTree `db:"conditions" json:"conditions"`
	Actions        []Action      `db:"actions" json:"actions"`
	UsedVariables  []string      `db:"used_variables" json:"used_variables"`
	Priority       int           `db:"priority" json:"priority"`
	IsActive       bool          `db:"is_active" json:"is_active"`
	ExecutionCount int64         `db:"execution_count" json:"execution_count"`
	SuccessCount   int64         `db:"success_count" json:"success_count"`
	FailureCount   int64         `db:"failure_count" json:"failure_count"`
	LastExecutedAt *time.Time    `db:"last_executed_at" json:"last_executed_at,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`
}

// Prepare compiles action parameter templates and recomputes UsedVariables.
// Called whenever a rule is saved or loaded.
func (r *Rule) Prepare() {
	set := map[string]struct{}{}
	for _, k := range r.Conditions.VariableKeys() {
		set[k] = struct{}{}
	}
	for i := range r.Actions {
		r.Actions[i].compile()
		for _, k := range r.Actions[i].VariableKeys() {
			set[k] = struct{}{}
		}
	}
	r.UsedVariables = sortedKeys(set)
}

// UsesVariable reports whether key is in UsedVariables.
func (r *Rule) UsesVariable(key string) bool {
	for _, k := range r.UsedVariables {
		if k == key {
			return true
		}
	}
	return false
}

// Action is one entry of a rule's ordered action list.
type Action struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
	// Independent actions adjacent to each other run concurrently.
	Independent bool `json:"independent,omitempty"`
	// Serialize holds this rule's actions until every earlier rule in the
	// same dispatch has finished.
	Serialize bool `json:"serialize,omitempty"`

	compiled map[string]ParamValue
}

func (a *Action) UnmarshalJSON(data []byte) error {
	type plain Action
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*a = Action(p)
	a.compile()
	return nil
}

func (a *Action) compile() {
	a.compiled = make(map[string]ParamValue, len(a.Params))
	for k, v := range a.Params {
		a.compiled[k] = CompileParam(v)
	}
}

// CompiledParams returns the parsed parameter tree, compiling on demand for
// actions built in code.
func (a Action) CompiledParams() map[string]ParamValue {
	if a.compiled != nil || len(a.Params) == 0 {
		return a.compiled
	}
	out := make(map[string]ParamValue, len(a.Params))
	for k, v := range a.Params {
		out[k] = CompileParam(v)
	}
	return out
}

// VariableKeys returns the variable keys referenced by the action's params.
func (a Action) VariableKeys() []string {
	var keys []string
	for _, p := range a.CompiledParams() {
		keys = append(keys, p.variableKeys()...)
	}
	return keys
}

type ParamKind int

const (
	ParamLiteral ParamKind = iota
	ParamTemplate
	ParamMap
	ParamList
)

// ParamValue is an action parameter with its string templates pre-parsed.
type ParamValue struct {
	Kind     ParamKind
	Literal  any
	Template Template
	Map      map[string]ParamValue
	List     []ParamValue
}

func CompileParam(v any) ParamValue {
	switch val := v.(type) {
	case string:
		t := ParseTemplate(val)
		if t.HasRefs() {
			return ParamValue{Kind: ParamTemplate, Template: t}
		}
		return ParamValue{Kind: ParamLiteral, Literal: val}
	case map[string]any:
		m := make(map[string]ParamValue, len(val))
		for k, item := range val {
			m[k] = CompileParam(item)
		}
		return ParamValue{Kind: ParamMap, Map: m}
	case []any:
		l := make([]ParamValue, 0, len(val))
		for _, item := range val {
			l = append(l, CompileParam(item))
		}
		return ParamValue{Kind: ParamList, List: l}
	}
	return ParamValue{Kind: ParamLiteral, Literal: v}
}

func (p ParamValue) variableKeys() []string {
	switch p.Kind {
	case ParamTemplate:
		return p.Template.VariableKeys()
	case ParamMap:
		var keys []string
		for _, item := range p.Map {
			keys = append(keys, item.variableKeys()...)
		}
		return keys
	case ParamList:
		var keys []string
		for _, item := range p.List {
			keys = append(keys, item.variableKeys()...)
		}
		return keys
	}
	return nil
}

// ComputationType selects a variable's resolution strategy.
type ComputationType string

const (
	ComputeAggregate ComputationType = "aggregate"
	ComputeFormula   ComputationType = "formula"
	ComputeLookup    ComputationType = "lookup"
	ComputeTimeBased ComputationType = "time_based"
	ComputeCustom    ComputationType = "custom"
)

// RuleVariable maps to the rule_variables table.
type RuleVariable struct {
	ID                uuid.UUID         `db:"id" json:"id"`
	Name              string            `db:"name" json:"name"`
	VariableKey       string            `db:"variable_key" json:"variable_key"`
	Description       *string           `db:"description" json:"description,omitempty"`
	Category          string            `db:"category" json:"category"`
	ComputationType   ComputationType   `db:"computation_type" json:"computation_type"`
	DataSource        *string           `db:"data_source" json:"data_source,omitempty"`
	AggregateFunction *string           `db:"aggregate_function" json:"aggregate_function,omitempty"`
	AggregateField    *string           `db:"aggregate_field" json:"aggregate_field,omitempty"`
	AggregateFilters  map[string]string `db:"aggregate_filters" json:"aggregate_filters,omitempty"`
	TimeWindowHours   *int              `db:"time_window_hours" json:"time_window_hours,omitempty"`
	Formula           *string           `db:"formula" json:"formula,omitempty"`
	LookupTable       *string           `db:"lookup_table" json:"lookup_table,omitempty"`
	LookupKey         *string           `db:"lookup_key" json:"lookup_key,omitempty"`
	LookupValue       *string           `db:"lookup_value" json:"lookup_value,omitempty"`
	TimeAnchor        *string           `db:"time_anchor" json:"time_anchor,omitempty"`
	TimeUnit          *string           `db:"time_unit" json:"time_unit,omitempty"`
	ResultType        string            `db:"result_type" json:"result_type"`
	Unit              *string           `db:"unit" json:"unit,omitempty"`
	ReferenceLow      *float64          `db:"reference_low" json:"reference_low,omitempty"`
	ReferenceHigh     *float64          `db:"reference_high" json:"reference_high,omitempty"`
	IsActive          bool              `db:"is_active" json:"is_active"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

// FormulaDependencies returns the variable keys a formula variable reads.
func (v *RuleVariable) FormulaDependencies() []string {
	if v.Formula == nil {
		return nil
	}
	return ExtractVariableKeys(*v.Formula)
}

// RuleExecution maps to the rule_executions table. Rows are append-only.
type RuleExecution struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	RuleID            uuid.UUID       `db:"rule_id" json:"rule_id"`
	TriggerEvent      string          `db:"trigger_event" json:"trigger_event"`
	TriggerData       map[string]any  `db:"trigger_data" json:"trigger_data,omitempty"`
	PatientID         *string         `db:"patient_id" json:"patient_id,omitempty"`
	TriggeredBy       *string         `db:"triggered_by" json:"triggered_by,omitempty"`
	ComputedVariables map[string]any  `db:"computed_variables" json:"computed_variables"`
	ConditionsMet     bool            `db:"conditions_met" json:"conditions_met"`
	ActionsPerformed  []ActionOutcome `db:"actions_performed" json:"actions_performed"`
	ActionsSuccess    *bool           `db:"actions_success" json:"actions_success,omitempty"`
	ErrorMessage      *string         `db:"error_message" json:"error_message,omitempty"`
	DebugInfo         map[string]any  `db:"debug_info" json:"debug_info,omitempty"`
	ExecutionTimeMs   int64           `db:"execution_time_ms" json:"execution_time_ms"`
	ExecutedAt        time.Time       `db:"executed_at" json:"executed_at"`
}

// Succeeded reports whether the execution counts toward success_count.
func (e *RuleExecution) Succeeded() bool {
	if e.ErrorMessage != nil && *e.ErrorMessage != "" {
		return false
	}
	if !e.ConditionsMet {
		return true
	}
	return e.ActionsSuccess != nil && *e.ActionsSuccess
}

// ActionOutcome records one attempted action.
type ActionOutcome struct {
	Type    string         `json:"type"`
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Output  map[string]any `json:"output,omitempty"`
}

// RuleFilter narrows rule listings.
type RuleFilter struct {
	TriggerEvent string
	RuleType     string
	Category     string
	Active       *bool
}

// Catalogue values served to the admin UI.
var (
	RuleTypes = []string{
		"clinical", "operational", "billing", "task_assignment", "alert", "cds_hook",
		"medication_assignment", "reminder", "notification", "workflow_automation",
	}
	TriggerEvents = []string{
		"patient_view", "lab_result", "vital_recorded", "medication_ordered",
		"lab_order_created", "imaging_order_created", "appointment_scheduled",
		"appointment:created", "form_submitted", "admission", "discharge",
	}
	RuleCategories = []string{
		"clinical", "administrative", "billing", "quality", "safety", "workflow",
	}
	VariableCategories = []string{
		"clinical", "lab", "vital", "medication", "appointment", "billing", "operational", "custom",
	}
	AggregateFunctions = []string{"sum", "avg", "count", "min", "max", "first", "last"}
	ComputationTypes   = []ComputationType{
		ComputeAggregate, ComputeFormula, ComputeLookup, ComputeTimeBased, ComputeCustom,
	}
)

// EventRequest is a trigger-event instance submitted for dispatch or a rule
// dry run.
type EventRequest struct {
	TriggerEvent string         `json:"trigger_event"`
	Payload      map[string]any `json:"payload"`
	PatientID    string         `json:"patient_id,omitempty"`
	TriggeredBy  string         `json:"triggered_by,omitempty"`
}

// VariableTestRequest is the sample context for a one-off variable resolution.
type VariableTestRequest struct {
	PatientID string         `json:"patient_id"`
	Payload   map[string]any `json:"payload"`
}

// VariableTestResult reports a one-off resolution.
type VariableTestResult struct {
	VariableKey     string `json:"variable_key"`
	Value           any    `json:"value"`
	Status          string `json:"status"`
	ResultType      string `json:"result_type"`
	Unit            string `json:"unit,omitempty"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	Error           string `json:"error,omitempty"`
}
