package rules

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ehr/ruleengine/internal/platform/schema"
)

const diabetesSeed = `
variables:
  - name: HbA1c trend
    variable_key: hba1c_delta
    computation_type: formula
    formula: "{{var.hba1c}} - {{var.hba1c_first}}"
  - name: Latest HbA1c
    variable_key: hba1c
    category: lab
    computation_type: aggregate
    data_source: lab
    aggregate_function: last
    aggregate_filters:
      code: 4548-4
    time_window_hours: 2160
  - name: First HbA1c
    variable_key: hba1c_first
    category: lab
    computation_type: aggregate
    data_source: lab
    aggregate_function: first
    aggregate_filters:
      code: 4548-4
rules:
  - name: Rising HbA1c
    trigger_event: lab_result
    priority: 5
    conditions:
      and:
        - left: {var: hba1c}
          op: gt
          right: 7
        - left: {var: hba1c_delta}
          op: gte
          right: 0.5
    actions:
      - type: notify
        params:
          recipient: care-team
          message: "HbA1c rose to {{var.hba1c}}"
lookups:
  drug_interactions:
    warfarin:
      severity: high
      partners: [aspirin, ibuprofen]
data_points:
  - patient_id: p-1
    source: lab
    code: 4548-4
    value: 7.4
    hours_ago: 2
  - patient_id: p-1
    source: lab
    code: 4548-4
    value: 6.8
    effective_at: 2026-01-10T08:00:00Z
`

func newSeedValidator(t *testing.T) *schema.Validator {
	t.Helper()
	v, err := schema.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	return v
}

func TestParseSeed(t *testing.T) {
	f, err := ParseSeed([]byte(diabetesSeed), newSeedValidator(t))
	if err != nil {
		t.Fatalf("ParseSeed: %v", err)
	}
	if len(f.Variables) != 3 || len(f.Rules) != 1 || len(f.DataPoints) != 2 {
		t.Fatalf("counts: %d variables, %d rules, %d data points", len(f.Variables), len(f.Rules), len(f.DataPoints))
	}

	hba1c := f.Variables[1]
	if !hba1c.IsActive || hba1c.ComputationType != ComputeAggregate {
		t.Errorf("hba1c: %+v", hba1c)
	}
	if hba1c.AggregateFilters["code"] != "4548-4" {
		t.Errorf("filters: %v", hba1c.AggregateFilters)
	}

	r := f.Rules[0]
	if r.Priority != 5 || !r.IsActive {
		t.Errorf("rule defaults: priority=%d active=%v", r.Priority, r.IsActive)
	}
	if _, ok := r.Conditions.Root.(AndNode); !ok {
		t.Errorf("expected and node, got %T", r.Conditions.Root)
	}

	row := f.Lookups["drug_interactions"]["warfarin"]
	if row["severity"] != "high" {
		t.Errorf("lookup row: %v", row)
	}
}

func TestParseSeed_RuleDefaults(t *testing.T) {
	f, err := ParseSeed([]byte("rules:\n  - name: bare\n    trigger_event: admission\n"), nil)
	if err != nil {
		t.Fatalf("ParseSeed: %v", err)
	}
	if f.Rules[0].Priority != 100 || !f.Rules[0].IsActive {
		t.Errorf("defaults not applied: %+v", f.Rules[0])
	}
}

func TestParseSeed_SchemaViolation(t *testing.T) {
	doc := "variables:\n  - name: bad\n    variable_key: 9lives\n    computation_type: aggregate\n"
	_, err := ParseSeed([]byte(doc), newSeedValidator(t))
	if err == nil {
		t.Fatal("expected schema error")
	}
	if !strings.Contains(err.Error(), "variables[0]") {
		t.Errorf("error should name the entry: %v", err)
	}
}

func TestParseSeed_DataPointNeedsRouting(t *testing.T) {
	_, err := ParseSeed([]byte("data_points:\n  - source: lab\n    value: 1\n"), nil)
	if err == nil || !strings.Contains(err.Error(), "data_points[0]") {
		t.Fatalf("expected data point error, got %v", err)
	}
}

func TestParseSeed_BadYAML(t *testing.T) {
	if _, err := ParseSeed([]byte("rules: [\n"), nil); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSeedDataPoint_At(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := 1.5
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if got := (SeedDataPoint{HoursAgo: &h}).At(now); !got.Equal(now.Add(-90 * time.Minute)) {
		t.Errorf("hours_ago: %v", got)
	}
	if got := (SeedDataPoint{EffectiveAt: fixed}).At(now); !got.Equal(fixed) {
		t.Errorf("effective_at: %v", got)
	}
	if got := (SeedDataPoint{}).At(now); !got.Equal(now) {
		t.Errorf("default: %v", got)
	}
}

func TestService_ApplySeed(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	validator := newSeedValidator(t)

	f, err := ParseSeed([]byte(diabetesSeed), validator)
	if err != nil {
		t.Fatalf("ParseSeed: %v", err)
	}
	report, err := svc.ApplySeed(ctx, f)
	if err != nil {
		t.Fatalf("ApplySeed: %v", err)
	}
	if report.VariablesCreated != 3 || report.RulesCreated != 1 {
		t.Errorf("first apply: %+v", report)
	}

	rule, err := svc.rules.GetByName(ctx, "Rising HbA1c")
	if err != nil {
		t.Fatalf("rule not stored: %v", err)
	}
	if !rule.UsesVariable("hba1c_delta") || !rule.UsesVariable("hba1c") {
		t.Errorf("used variables: %v", rule.UsedVariables)
	}

	// Parse again so the second pass carries fresh, ID-less documents.
	f, err = ParseSeed([]byte(diabetesSeed), validator)
	if err != nil {
		t.Fatalf("ParseSeed: %v", err)
	}
	report, err = svc.ApplySeed(ctx, f)
	if err != nil {
		t.Fatalf("second ApplySeed: %v", err)
	}
	if report.VariablesCreated != 0 || report.VariablesUpdated != 3 ||
		report.RulesCreated != 0 || report.RulesUpdated != 1 {
		t.Errorf("second apply: %+v", report)
	}

	again, _ := svc.rules.GetByName(ctx, "Rising HbA1c")
	if again.ID != rule.ID {
		t.Errorf("rule id changed: %s -> %s", rule.ID, again.ID)
	}
}

func TestService_ApplySeed_UnknownVariable(t *testing.T) {
	svc, _ := newTestService()
	f := &SeedFile{Rules: []*Rule{hba1cRule()}}

	report, err := svc.ApplySeed(context.Background(), f)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "Elevated HbA1c") {
		t.Errorf("error should name the rule: %v", err)
	}
	if report.RulesCreated != 0 {
		t.Errorf("report: %+v", report)
	}
}

func TestSeedOrder(t *testing.T) {
	vars := []*RuleVariable{
		{VariableKey: "bmi_band", ComputationType: ComputeFormula, Formula: strp("{{var.bmi}} > 30")},
		{VariableKey: "bmi", ComputationType: ComputeFormula, Formula: strp("{{var.weight}} / ({{var.height}} * {{var.height}})")},
		{VariableKey: "weight", ComputationType: ComputeAggregate},
		{VariableKey: "height", ComputationType: ComputeAggregate},
	}
	pos := map[string]int{}
	for i, v := range seedOrder(vars) {
		pos[v.VariableKey] = i
	}
	if len(pos) != 4 {
		t.Fatalf("order dropped variables: %v", pos)
	}
	if pos["bmi"] < pos["weight"] || pos["bmi"] < pos["height"] || pos["bmi_band"] < pos["bmi"] {
		t.Errorf("dependencies out of order: %v", pos)
	}
}
