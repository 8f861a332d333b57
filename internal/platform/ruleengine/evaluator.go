package ruleengine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/ehr/ruleengine/internal/domain/rules"
)

// NoteKind classifies an evaluation note.
type NoteKind string

const (
	NoteUnavailable  NoteKind = "unavailable"
	NoteMissingField NoteKind = "missing_field"
	NoteTypeMismatch NoteKind = "type_mismatch"
	NoteError        NoteKind = "error"
)

// Note is a non-fatal trace entry explaining why a leaf evaluated to false.
type Note struct {
	Kind    NoteKind `json:"kind"`
	Ref     string   `json:"ref,omitempty"`
	Message string   `json:"message"`

	err error
}

// Outcome is the result of evaluating a condition tree.
type Outcome struct {
	Met       bool           `json:"met"`
	Consulted map[string]any `json:"consulted"`
	Notes     []Note         `json:"notes,omitempty"`
}

// Err joins the notes that count as evaluation errors. Unavailable data and
// missing fields are not errors.
func (o Outcome) Err() error {
	var errs []error
	for _, n := range o.Notes {
		if n.Kind == NoteTypeMismatch || n.Kind == NoteError {
			errs = append(errs, n.err)
		}
	}
	return errors.Join(errs...)
}

// Evaluator walks condition trees, resolving variables on demand.
type Evaluator struct {
	resolver *Resolver
}

func NewEvaluator(resolver *Resolver) *Evaluator {
	return &Evaluator{resolver: resolver}
}

// Evaluate reports whether tree holds for ec. The only error returned is the
// context's; everything else degrades the affected leaf to false and is
// recorded as a note.
func (e *Evaluator) Evaluate(ctx context.Context, tree rules.ConditionTree, ec *EvalContext) (Outcome, error) {
	st := &evalState{ctx: ctx, ec: ec, resolver: e.resolver, out: Outcome{Consulted: map[string]any{}}}
	if tree.Root == nil {
		st.out.Met = true
		return st.out, nil
	}
	met, err := st.eval(tree.Root)
	if err != nil {
		return st.out, err
	}
	st.out.Met = met
	return st.out, nil
}

type evalState struct {
	ctx      context.Context
	ec       *EvalContext
	resolver *Resolver
	out      Outcome
}

func (s *evalState) note(kind NoteKind, ref string, err error) {
	s.out.Notes = append(s.out.Notes, Note{Kind: kind, Ref: ref, Message: err.Error(), err: err})
}

func (s *evalState) eval(c rules.Condition) (bool, error) {
	switch n := c.(type) {
	case rules.AndNode:
		for _, ch := range n.Children {
			ok, err := s.eval(ch)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case rules.OrNode:
		for _, ch := range n.Children {
			ok, err := s.eval(ch)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	case rules.NotNode:
		ok, err := s.eval(n.Child)
		return !ok, err
	case rules.ComparisonLeaf:
		return s.leaf(n)
	}
	return false, fmt.Errorf("unsupported condition node %T", c)
}

// operand is a resolved comparison side. present=false means the value is
// missing (unavailable variable or absent field).
type operand struct {
	value   any
	present bool
}

func (s *evalState) leaf(l rules.ComparisonLeaf) (bool, error) {
	left, err := s.operand(l.Left, l.Op == rules.OpExists)
	if err != nil {
		return false, err
	}
	if l.Op == rules.OpExists {
		return left.present && !isEmpty(left.value), nil
	}
	if !left.present {
		return false, nil
	}
	right, err := s.operand(l.Right, false)
	if err != nil || !right.present {
		return false, err
	}

	ok, cmpErr := compare(l.Op, left.value, right.value)
	if cmpErr != nil {
		s.note(NoteTypeMismatch, describeOperand(l.Left), cmpErr)
		return false, nil
	}
	return ok, nil
}

func (s *evalState) operand(o rules.Operand, quiet bool) (operand, error) {
	switch o.Kind {
	case rules.OperandLiteral:
		return operand{value: normalizeValue(o.Literal), present: true}, nil
	case rules.OperandField:
		v, ok := s.ec.LookupField(o.Path)
		if !ok && !quiet {
			s.note(NoteMissingField, o.Path, fmt.Errorf("field %q not present in event", o.Path))
		}
		return operand{value: normalizeValue(v), present: ok}, nil
	case rules.OperandVariable:
		return s.variable(o.Key, quiet)
	case rules.OperandTemplate:
		return s.template(o.Template)
	}
	return operand{}, fmt.Errorf("unsupported operand kind %d", o.Kind)
}

func (s *evalState) variable(key string, quiet bool) (operand, error) {
	if err := s.ctx.Err(); err != nil {
		return operand{}, err
	}
	res := s.resolver.resolve(s.ctx, key, s.ec, nil, true)
	if errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded) {
		return operand{}, res.Err
	}
	s.out.Consulted[key] = res.Value

	switch {
	case res.Status.OK():
		return operand{value: res.Value, present: true}, nil
	case res.Status == StatusUnavailable:
		if !quiet {
			s.note(NoteUnavailable, key, res.Err)
		}
	default:
		s.note(NoteError, key, res.Err)
	}
	return operand{}, nil
}

func (s *evalState) template(t rules.Template) (operand, error) {
	var failed error
	rendered := t.Render(func(ref *rules.Reference) (string, bool) {
		if failed != nil {
			return "", false
		}
		if ref.Kind == rules.RefField {
			v, ok := s.ec.LookupField(ref.Key)
			return formatValue(v), ok
		}
		op, err := s.variable(ref.Key, false)
		if err != nil {
			failed = err
			return "", false
		}
		if !op.present {
			failed = ErrVariableUnavailable
			return "", false
		}
		return formatValue(op.value), true
	})
	if failed != nil {
		if errors.Is(failed, ErrVariableUnavailable) {
			return operand{}, nil
		}
		return operand{}, failed
	}
	return operand{value: rendered, present: true}, nil
}

func describeOperand(o rules.Operand) string {
	switch o.Kind {
	case rules.OperandVariable:
		return o.Key
	case rules.OperandField:
		return o.Path
	case rules.OperandTemplate:
		return o.Template.Source
	}
	return formatValue(o.Literal)
}

// ---------------------------------------------------------------------------
// Operators
// ---------------------------------------------------------------------------

func compare(op rules.Operator, left, right any) (bool, error) {
	mismatch := &ConditionTypeMismatchError{Op: string(op), Left: left, Right: right}

	switch op {
	case rules.OpEq, rules.OpNeq:
		eq, ok := looseEqual(left, right)
		if !ok {
			return false, mismatch
		}
		if op == rules.OpNeq {
			return !eq, nil
		}
		return eq, nil

	case rules.OpGt, rules.OpGte, rules.OpLt, rules.OpLte:
		c, ok := order(left, right)
		if !ok {
			return false, mismatch
		}
		switch op {
		case rules.OpGt:
			return c > 0, nil
		case rules.OpGte:
			return c >= 0, nil
		case rules.OpLt:
			return c < 0, nil
		}
		return c <= 0, nil

	case rules.OpContains:
		switch l := left.(type) {
		case string:
			r, ok := right.(string)
			if !ok {
				r = formatValue(right)
			}
			return strings.Contains(strings.ToLower(l), strings.ToLower(r)), nil
		case []any:
			return containsValue(l, right), nil
		case map[string]any:
			_, ok := l[formatValue(right)]
			return ok, nil
		}
		return false, mismatch

	case rules.OpIn:
		switch r := right.(type) {
		case []any:
			return containsValue(r, left), nil
		case string:
			for _, part := range strings.Split(r, ",") {
				if strings.TrimSpace(part) == formatValue(left) {
					return true, nil
				}
			}
			return false, nil
		}
		return false, mismatch

	case rules.OpStartsWith, rules.OpEndsWith:
		l, lok := left.(string)
		r, rok := right.(string)
		if !lok || !rok {
			return false, mismatch
		}
		if op == rules.OpStartsWith {
			return strings.HasPrefix(l, r), nil
		}
		return strings.HasSuffix(l, r), nil

	case rules.OpBetween:
		lo, hi, ok := bounds(right)
		if !ok {
			return false, mismatch
		}
		n, ok := toNumber(left)
		if !ok {
			return false, mismatch
		}
		return n >= lo && n <= hi, nil
	}
	return false, fmt.Errorf("unsupported operator %q", op)
}

// looseEqual compares numbers numerically and everything else by value.
// ok=false means the operands are of incompatible kinds.
func looseEqual(a, b any) (eq bool, ok bool) {
	if a == nil || b == nil {
		return a == nil && b == nil, true
	}
	_, aBool := a.(bool)
	_, bBool := b.(bool)
	if aBool || bBool {
		if aBool != bBool {
			if s, isStr := a.(string); isStr {
				return strings.EqualFold(s, formatValue(b)), true
			}
			if s, isStr := b.(string); isStr {
				return strings.EqualFold(s, formatValue(a)), true
			}
			return false, false
		}
		return a == b, true
	}
	if an, aok := toNumber(a); aok {
		if bn, bok := toNumber(b); bok {
			return an == bn, true
		}
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return as == bs, true
	}
	if aStr || bStr {
		return false, true
	}
	return reflect.DeepEqual(a, b), true
}

// order compares numbers, then timestamps.
func order(a, b any) (int, bool) {
	if _, isBool := a.(bool); isBool {
		return 0, false
	}
	if _, isBool := b.(bool); isBool {
		return 0, false
	}
	if an, aok := toNumber(a); aok {
		if bn, bok := toNumber(b); bok {
			switch {
			case an < bn:
				return -1, true
			case an > bn:
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	if at, aok := toTime(a); aok {
		if bt, bok := toTime(b); bok {
			return at.Compare(bt), true
		}
	}
	return 0, false
}

func containsValue(list []any, v any) bool {
	for _, item := range list {
		if eq, ok := looseEqual(normalizeValue(item), v); ok && eq {
			return true
		}
	}
	return false
}

func bounds(v any) (float64, float64, bool) {
	var parts []any
	switch b := v.(type) {
	case []any:
		parts = b
	case string:
		for _, p := range strings.Split(b, ",") {
			parts = append(parts, strings.TrimSpace(p))
		}
	default:
		return 0, 0, false
	}
	if len(parts) != 2 {
		return 0, 0, false
	}
	lo, lok := toNumber(parts[0])
	hi, hok := toNumber(parts[1])
	return lo, hi, lok && hok
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	}
	return false
}
