package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ehr/ruleengine/internal/platform/schema"
)

// SeedDataPoint is a clinical observation in a seed file. HoursAgo is
// relative to load time so check files stay valid as time passes.
type SeedDataPoint struct {
	PatientID   string            `yaml:"patient_id"`
	Source      string            `yaml:"source"`
	Code        string            `yaml:"code"`
	Status      string            `yaml:"status"`
	Value       any               `yaml:"value"`
	EffectiveAt time.Time         `yaml:"effective_at"`
	HoursAgo    *float64          `yaml:"hours_ago"`
	Attributes  map[string]string `yaml:"attributes"`
}

// At returns the point's effective time relative to now.
func (p SeedDataPoint) At(now time.Time) time.Time {
	if p.HoursAgo != nil {
		return now.Add(-time.Duration(*p.HoursAgo * float64(time.Hour)))
	}
	if p.EffectiveAt.IsZero() {
		return now
	}
	return p.EffectiveAt
}

// SeedFile is a YAML bundle of variable and rule definitions, plus the
// reference rows and observations they read.
type SeedFile struct {
	Variables  []*RuleVariable
	Rules      []*Rule
	Lookups    map[string]map[string]map[string]any
	DataPoints []SeedDataPoint
}

type rawSeed struct {
	Variables  []map[string]any                     `yaml:"variables"`
	Rules      []map[string]any                     `yaml:"rules"`
	Lookups    map[string]map[string]map[string]any `yaml:"lookups"`
	DataPoints []SeedDataPoint                      `yaml:"data_points"`
}

// ParseSeed decodes a seed file. Each variable and rule is checked against
// its document schema when validator is set, then decoded through the same
// JSON form the API accepts.
func ParseSeed(data []byte, validator *schema.Validator) (*SeedFile, error) {
	var raw rawSeed
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}

	out := &SeedFile{Lookups: raw.Lookups, DataPoints: raw.DataPoints}
	for i, doc := range raw.Variables {
		v := &RuleVariable{IsActive: true}
		if err := decodeSeedDoc(validator, schema.Variable, doc, v); err != nil {
			return nil, fmt.Errorf("variables[%d]: %w", i, err)
		}
		out.Variables = append(out.Variables, v)
	}
	for i, doc := range raw.Rules {
		r := &Rule{IsActive: true, Priority: 100}
		if err := decodeSeedDoc(validator, schema.Rule, doc, r); err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		out.Rules = append(out.Rules, r)
	}
	for i, p := range out.DataPoints {
		if p.PatientID == "" || p.Source == "" {
			return nil, fmt.Errorf("data_points[%d]: patient_id and source are required", i)
		}
	}
	return out, nil
}

func decodeSeedDoc(validator *schema.Validator, name string, doc map[string]any, dest any) error {
	if validator != nil {
		if err := validator.ValidateValue(name, doc); err != nil {
			return err
		}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// SeedReport counts what ApplySeed wrote.
type SeedReport struct {
	VariablesCreated int `json:"variables_created"`
	VariablesUpdated int `json:"variables_updated"`
	RulesCreated     int `json:"rules_created"`
	RulesUpdated     int `json:"rules_updated"`
}

// ApplySeed upserts the file's variables by key and rules by name, with
// the same validation as the API. Variables are written dependencies first.
func (s *Service) ApplySeed(ctx context.Context, f *SeedFile) (*SeedReport, error) {
	report := &SeedReport{}
	for _, v := range seedOrder(f.Variables) {
		existing, err := s.vars.GetByKey(ctx, v.VariableKey)
		switch {
		case errors.Is(err, ErrNotFound):
			if err := s.CreateVariable(ctx, v); err != nil {
				return report, fmt.Errorf("variable %s: %w", v.VariableKey, err)
			}
			report.VariablesCreated++
		case err != nil:
			return report, err
		default:
			v.ID = existing.ID
			if err := s.UpdateVariable(ctx, v); err != nil {
				return report, fmt.Errorf("variable %s: %w", v.VariableKey, err)
			}
			report.VariablesUpdated++
		}
	}

	for _, r := range f.Rules {
		existing, err := s.rules.GetByName(ctx, r.Name)
		switch {
		case errors.Is(err, ErrNotFound):
			if err := s.CreateRule(ctx, r); err != nil {
				return report, fmt.Errorf("rule %q: %w", r.Name, err)
			}
			report.RulesCreated++
		case err != nil:
			return report, err
		default:
			r.ID = existing.ID
			if err := s.UpdateRule(ctx, r); err != nil {
				return report, fmt.Errorf("rule %q: %w", r.Name, err)
			}
			report.RulesUpdated++
		}
	}

	s.logger.Info().
		Int("variables_created", report.VariablesCreated).
		Int("variables_updated", report.VariablesUpdated).
		Int("rules_created", report.RulesCreated).
		Int("rules_updated", report.RulesUpdated).
		Msg("seed applied")
	return report, nil
}

// seedOrder puts every formula variable after the file's variables it
// depends on. Cycles keep file order and are rejected on save.
func seedOrder(vars []*RuleVariable) []*RuleVariable {
	byKey := make(map[string]*RuleVariable, len(vars))
	for _, v := range vars {
		byKey[v.VariableKey] = v
	}
	state := map[string]int{} // 1 visiting, 2 done
	out := make([]*RuleVariable, 0, len(vars))
	var visit func(v *RuleVariable)
	visit = func(v *RuleVariable) {
		if state[v.VariableKey] != 0 {
			return
		}
		state[v.VariableKey] = 1
		for _, dep := range v.FormulaDependencies() {
			if d, ok := byKey[dep]; ok {
				visit(d)
			}
		}
		state[v.VariableKey] = 2
		out = append(out, v)
	}
	for _, v := range vars {
		visit(v)
	}
	return out
}
