package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Operator is a comparison operator usable in a ComparisonLeaf.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNeq        Operator = "neq"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpContains   Operator = "contains"
	OpExists     Operator = "exists"
	OpIn         Operator = "in"
	OpStartsWith Operator = "starts_with"
	OpEndsWith   Operator = "ends_with"
	OpBetween    Operator = "between"
)

var validOperators = map[Operator]bool{
	OpEq: true, OpNeq: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpContains: true, OpExists: true, OpIn: true, OpStartsWith: true, OpEndsWith: true,
	OpBetween: true,
}

// Operators lists the supported operators in display order.
func Operators() []Operator {
	return []Operator{OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpContains, OpExists,
		OpIn, OpStartsWith, OpEndsWith, OpBetween}
}

// Condition is a node of a rule's condition tree. The set of implementations
// is closed: AndNode, OrNode, NotNode and ComparisonLeaf.
type Condition interface {
	conditionNode()
}

type AndNode struct{ Children []Condition }
type OrNode struct{ Children []Condition }
type NotNode struct{ Child Condition }

type ComparisonLeaf struct {
	Left  Operand
	Op    Operator
	Right Operand
}

func (AndNode) conditionNode()        {}
func (OrNode) conditionNode()         {}
func (NotNode) conditionNode()        {}
func (ComparisonLeaf) conditionNode() {}

type OperandKind int

const (
	OperandLiteral OperandKind = iota
	OperandField
	OperandVariable
	// OperandTemplate is a string literal containing tokens, rendered before comparison.
	OperandTemplate
)

// Operand is one side of a comparison.
type Operand struct {
	Kind     OperandKind
	Literal  any
	Path     string
	Key      string
	Template Template
}

func Literal(v any) Operand       { return Operand{Kind: OperandLiteral, Literal: v} }
func Field(path string) Operand   { return Operand{Kind: OperandField, Path: path} }
func Variable(key string) Operand { return Operand{Kind: OperandVariable, Key: key} }

// Compare builds a leaf.
func Compare(left Operand, op Operator, right Operand) ComparisonLeaf {
	return ComparisonLeaf{Left: left, Op: op, Right: right}
}

func All(children ...Condition) AndNode { return AndNode{Children: children} }
func Any(children ...Condition) OrNode  { return OrNode{Children: children} }
func Not(child Condition) NotNode       { return NotNode{Child: child} }

// ConditionTree wraps the root node so it can be stored as JSONB. A nil Root
// means "no conditions" and always matches.
type ConditionTree struct {
	Root Condition
}

// VariableKeys returns every variable key referenced in the tree, unsorted
// and possibly repeated.
func (t ConditionTree) VariableKeys() []string {
	var keys []string
	var walk func(Condition)
	walk = func(c Condition) {
		switch n := c.(type) {
		case AndNode:
			for _, ch := range n.Children {
				walk(ch)
			}
		case OrNode:
			for _, ch := range n.Children {
				walk(ch)
			}
		case NotNode:
			walk(n.Child)
		case ComparisonLeaf:
			keys = append(keys, n.Left.variableKeys()...)
			keys = append(keys, n.Right.variableKeys()...)
		}
	}
	if t.Root != nil {
		walk(t.Root)
	}
	return keys
}

func (o Operand) variableKeys() []string {
	switch o.Kind {
	case OperandVariable:
		return []string{o.Key}
	case OperandTemplate:
		return o.Template.VariableKeys()
	}
	return nil
}

// ---------------------------------------------------------------------------
// JSON encoding
// ---------------------------------------------------------------------------

func (t ConditionTree) MarshalJSON() ([]byte, error) {
	if t.Root == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(encodeNode(t.Root))
}

func encodeNode(c Condition) any {
	switch n := c.(type) {
	case AndNode:
		return map[string]any{"and": encodeChildren(n.Children)}
	case OrNode:
		return map[string]any{"or": encodeChildren(n.Children)}
	case NotNode:
		return map[string]any{"not": encodeNode(n.Child)}
	case ComparisonLeaf:
		out := map[string]any{"left": n.Left.encode(), "op": string(n.Op)}
		if n.Op != OpExists {
			out["right"] = n.Right.encode()
		}
		return out
	}
	return nil
}

func encodeChildren(children []Condition) []any {
	out := make([]any, 0, len(children))
	for _, ch := range children {
		out = append(out, encodeNode(ch))
	}
	return out
}

func (o Operand) encode() any {
	switch o.Kind {
	case OperandField:
		return map[string]any{"field": o.Path}
	case OperandVariable:
		return map[string]any{"var": o.Key}
	case OperandTemplate:
		return o.Template.Source
	}
	if _, isMap := o.Literal.(map[string]any); isMap {
		return map[string]any{"value": o.Literal}
	}
	return o.Literal
}

// UnmarshalJSON accepts the native form ({"and": [...]}, {"left", "op",
// "right"}) as well as the query-builder form ({"combinator", "not",
// "rules": [{"field", "operator", "value"}]}).
func (t *ConditionTree) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		t.Root = nil
		return nil
	}

	var raw any
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode conditions: %w", err)
	}

	root, err := decodeNode(normalizeNumbers(raw), "conditions")
	if err != nil {
		return err
	}
	t.Root = root
	return nil
}

// ParseConditions decodes a condition tree from JSON bytes.
func ParseConditions(data []byte) (ConditionTree, error) {
	var t ConditionTree
	err := t.UnmarshalJSON(data)
	return t, err
}

// ConditionsFromValue decodes a tree from an already-decoded value such as
// a YAML document.
func ConditionsFromValue(v any) (ConditionTree, error) {
	if v == nil {
		return ConditionTree{}, nil
	}
	root, err := decodeNode(normalizeNumbers(v), "conditions")
	return ConditionTree{Root: root}, err
}

func decodeNode(v any, path string) (Condition, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: expected object, got %T", path, v)
	}
	if len(obj) == 0 {
		return nil, nil
	}

	if _, ok := obj["combinator"]; ok {
		return decodeQueryBuilderGroup(obj, path)
	}
	if _, ok := obj["operator"]; ok {
		return decodeQueryBuilderRule(obj, path)
	}

	if children, ok := obj["and"]; ok {
		nodes, err := decodeList(children, path+".and")
		return AndNode{Children: nodes}, err
	}
	if children, ok := obj["or"]; ok {
		nodes, err := decodeList(children, path+".or")
		return OrNode{Children: nodes}, err
	}
	if child, ok := obj["not"]; ok {
		node, err := decodeNode(child, path+".not")
		if err != nil {
			return nil, err
		}
		if node == nil {
			return nil, fmt.Errorf("%s.not: empty condition", path)
		}
		return NotNode{Child: node}, nil
	}
	if _, ok := obj["op"]; ok {
		return decodeLeaf(obj, path)
	}

	return nil, fmt.Errorf("%s: unrecognised condition node", path)
}

func decodeList(v any, path string) ([]Condition, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%s: expected array, got %T", path, v)
	}
	nodes := make([]Condition, 0, len(items))
	for i, item := range items {
		node, err := decodeNode(item, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		if node != nil {
			nodes = append(nodes, node)
		}
	}
	return nodes, nil
}

func decodeLeaf(obj map[string]any, path string) (Condition, error) {
	opStr, _ := obj["op"].(string)
	op := Operator(opStr)
	if !validOperators[op] {
		return nil, fmt.Errorf("%s: unknown operator %q", path, opStr)
	}
	left, err := decodeOperand(obj["left"], path+".left")
	if err != nil {
		return nil, err
	}
	right, err := decodeOperand(obj["right"], path+".right")
	if err != nil {
		return nil, err
	}
	return ComparisonLeaf{Left: left, Op: op, Right: right}, nil
}

func decodeOperand(v any, path string) (Operand, error) {
	switch val := v.(type) {
	case map[string]any:
		if key, ok := val["var"].(string); ok {
			if !variableKeyPattern.MatchString(key) {
				return Operand{}, fmt.Errorf("%s: invalid variable key %q", path, key)
			}
			return Variable(key), nil
		}
		if p, ok := val["field"].(string); ok {
			if p == "" {
				return Operand{}, fmt.Errorf("%s: empty field path", path)
			}
			return Field(p), nil
		}
		if lit, ok := val["value"]; ok {
			return Literal(lit), nil
		}
		return Operand{}, fmt.Errorf("%s: operand object needs one of var, field, value", path)
	case string:
		return operandFromString(val), nil
	}
	return Literal(v), nil
}

// operandFromString turns "{{var.x}}" into a variable reference,
// "{{event.a.b}}" into a field reference and any other tokenized string into
// a template literal.
func operandFromString(s string) Operand {
	tmpl := ParseTemplate(s)
	if ref, ok := tmpl.SingleRef(); ok {
		if ref.Kind == RefVariable {
			return Variable(ref.Key)
		}
		return Field(ref.Key)
	}
	if tmpl.HasRefs() {
		return Operand{Kind: OperandTemplate, Template: tmpl}
	}
	return Literal(s)
}

// ---------------------------------------------------------------------------
// Query-builder form
// ---------------------------------------------------------------------------

var queryBuilderOps = map[string]struct {
	op     Operator
	negate bool
}{
	"=":           {OpEq, false},
	"==":          {OpEq, false},
	"!=":          {OpNeq, false},
	">":           {OpGt, false},
	">=":          {OpGte, false},
	"<":           {OpLt, false},
	"<=":          {OpLte, false},
	"contains":    {OpContains, false},
	"notContains": {OpContains, true},
	"in":          {OpIn, false},
	"notIn":       {OpIn, true},
	"isEmpty":     {OpExists, true},
	"isNotEmpty":  {OpExists, false},
	"startsWith":  {OpStartsWith, false},
	"endsWith":    {OpEndsWith, false},
	"between":     {OpBetween, false},
}

func decodeQueryBuilderGroup(obj map[string]any, path string) (Condition, error) {
	combinator, _ := obj["combinator"].(string)
	children, err := decodeList(orEmptyList(obj["rules"]), path+".rules")
	if err != nil {
		return nil, err
	}
	if len(children) == 0 {
		return nil, nil
	}

	var node Condition
	switch strings.ToLower(combinator) {
	case "and", "":
		node = AndNode{Children: children}
	case "or":
		node = OrNode{Children: children}
	default:
		return nil, fmt.Errorf("%s: unknown combinator %q", path, combinator)
	}
	if negate, _ := obj["not"].(bool); negate {
		node = NotNode{Child: node}
	}
	return node, nil
}

func decodeQueryBuilderRule(obj map[string]any, path string) (Condition, error) {
	opName, _ := obj["operator"].(string)
	mapped, ok := queryBuilderOps[opName]
	if !ok {
		if !validOperators[Operator(opName)] {
			return nil, fmt.Errorf("%s: unknown operator %q", path, opName)
		}
		mapped.op = Operator(opName)
	}

	fieldName, _ := obj["field"].(string)
	if fieldName == "" {
		return nil, fmt.Errorf("%s: field is required", path)
	}

	right, err := decodeOperand(obj["value"], path+".value")
	if err != nil {
		return nil, err
	}

	var node Condition = ComparisonLeaf{Left: fieldOperand(fieldName), Op: mapped.op, Right: right}
	if mapped.negate {
		node = NotNode{Child: node}
	}
	return node, nil
}

// fieldOperand interprets a query-builder field name: "var.x" and
// "{{var.x}}" are variables, anything else is a payload path.
func fieldOperand(name string) Operand {
	if strings.HasPrefix(name, "{{") {
		return operandFromString(name)
	}
	if key, ok := strings.CutPrefix(name, "var."); ok && variableKeyPattern.MatchString(key) {
		return Variable(key)
	}
	return Field(name)
}

func orEmptyList(v any) any {
	if v == nil {
		return []any{}
	}
	return v
}

// normalizeNumbers converts json.Number into float64 recursively so literals
// compare the same way regardless of how they were decoded.
func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return val.String()
		}
		return f
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case map[string]any:
		for k, item := range val {
			val[k] = normalizeNumbers(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = normalizeNumbers(item)
		}
		return val
	}
	return v
}
