package ruleengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ehr/ruleengine/internal/domain/rules"
)

// MemoryRuleStore keeps rules and their execution log in memory. It
// implements RuleStore and ExecutionStore and is used by tests and the
// offline checker.
type MemoryRuleStore struct {
	mu         sync.Mutex
	rules      map[uuid.UUID]*rules.Rule
	executions []*rules.RuleExecution
}

func NewMemoryRuleStore(rs ...*rules.Rule) *MemoryRuleStore {
	s := &MemoryRuleStore{rules: make(map[uuid.UUID]*rules.Rule)}
	for _, r := range rs {
		s.Put(r)
	}
	return s
}

// Put stores a copy of r, assigning an id when missing.
func (s *MemoryRuleStore) Put(r *rules.Rule) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.Prepare()
	cp := *r
	s.mu.Lock()
	s.rules[r.ID] = &cp
	s.mu.Unlock()
}

func (s *MemoryRuleStore) ListActiveByTrigger(ctx context.Context, triggerEvent string) ([]*rules.Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*rules.Rule
	for _, r := range s.rules {
		if r.IsActive && r.TriggerEvent == triggerEvent {
			cp := *r
			out = append(out, &cp)
		}
	}
	return orderRules(out), nil
}

func (s *MemoryRuleStore) GetByID(ctx context.Context, id uuid.UUID) (*rules.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, rules.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryRuleStore) AppendExecution(ctx context.Context, exec *rules.RuleExecution, success bool) error {
	if err := encodeExecution(exec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions = append(s.executions, exec)
	if r, ok := s.rules[exec.RuleID]; ok {
		r.ExecutionCount++
		if success {
			r.SuccessCount++
		} else {
			r.FailureCount++
		}
		at := exec.ExecutedAt
		r.LastExecutedAt = &at
	}
	return nil
}

// encodeExecution applies the JSON encoding the Postgres store performs so
// records it would reject fail here too.
func encodeExecution(exec *rules.RuleExecution) error {
	docs := []struct {
		name string
		v    any
	}{
		{"trigger_data", exec.TriggerData},
		{"computed_variables", exec.ComputedVariables},
		{"actions_performed", exec.ActionsPerformed},
		{"debug_info", exec.DebugInfo},
	}
	for _, d := range docs {
		if _, err := json.Marshal(d.v); err != nil {
			return fmt.Errorf("encode %s: %w", d.name, err)
		}
	}
	return nil
}

// Executions returns the recorded executions for ruleID, oldest first.
func (s *MemoryRuleStore) Executions(ruleID uuid.UUID) []*rules.RuleExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*rules.RuleExecution
	for _, e := range s.executions {
		if e.RuleID == ruleID {
			out = append(out, e)
		}
	}
	return out
}

// MemoryVariableStore implements VariableStore over a map.
type MemoryVariableStore struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*rules.RuleVariable
}

func NewMemoryVariableStore(vs ...*rules.RuleVariable) *MemoryVariableStore {
	s := &MemoryVariableStore{byID: make(map[uuid.UUID]*rules.RuleVariable)}
	for _, v := range vs {
		s.Put(v)
	}
	return s
}

func (s *MemoryVariableStore) Put(v *rules.RuleVariable) {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	s.mu.Lock()
	s.byID[v.ID] = v
	s.mu.Unlock()
}

func (s *MemoryVariableStore) GetByID(ctx context.Context, id uuid.UUID) (*rules.RuleVariable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.byID[id]
	if !ok {
		return nil, rules.ErrNotFound
	}
	return v, nil
}

func (s *MemoryVariableStore) GetByKey(ctx context.Context, key string) (*rules.RuleVariable, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.byID {
		if v.VariableKey == key {
			return v, nil
		}
	}
	return nil, rules.ErrNotFound
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
