package ruleengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/ehr/ruleengine/internal/domain/rules"
)

// Formulas are CEL expressions. Authors write {{var.key}} for other
// variables and event.<path> / context.<field> for trigger data; the text is
// translated before compilation:
//
//	({{var.bp_sys}} + {{var.bp_dia}} * 2) / 3
//	  -> (vars["bp_sys"] + vars["bp_dia"] * 2.0) / 3.0
//
// Integer literals become doubles because resolved values are always float64
// and CEL has no implicit int/double arithmetic.
type formulaEngine struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

const formulaCostLimit = 100000

func newFormulaEngine() (*formulaEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("vars", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("event", cel.DynType),
		cel.Variable("context", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("create formula environment: %w", err)
	}
	return &formulaEngine{env: env, programs: make(map[string]cel.Program)}, nil
}

// Check compiles formula without evaluating it.
func (f *formulaEngine) Check(formula string) error {
	_, err := f.program(formula)
	return err
}

func (f *formulaEngine) program(formula string) (cel.Program, error) {
	f.mu.RLock()
	prg, ok := f.programs[formula]
	f.mu.RUnlock()
	if ok {
		return prg, nil
	}

	expr, err := translateFormula(formula)
	if err != nil {
		return nil, err
	}
	ast, iss := f.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile formula: %w", iss.Err())
	}
	prg, err = f.env.Program(ast, cel.CostLimit(formulaCostLimit))
	if err != nil {
		return nil, fmt.Errorf("build formula program: %w", err)
	}

	f.mu.Lock()
	f.programs[formula] = prg
	f.mu.Unlock()
	return prg, nil
}

func (f *formulaEngine) eval(ctx context.Context, formula string, vars map[string]any, ec *EvalContext) (any, error) {
	prg, err := f.program(formula)
	if err != nil {
		return nil, err
	}
	payload := ec.Event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	out, _, err := prg.ContextEval(ctx, map[string]any{
		"vars":    vars,
		"event":   payload,
		"context": ec.contextDoc(),
	})
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return nil, ErrVariableUnavailable
		}
		return nil, fmt.Errorf("evaluate formula: %w", err)
	}
	return normalizeValue(out.Value()), nil
}

// resolveFormula resolves the formula's dependencies through the same
// resolver path (so cycles are caught by the visited set) and evaluates it.
func (r *Resolver) resolveFormula(ctx context.Context, v *rules.RuleVariable, ec *EvalContext, visited []string) (any, error) {
	if v.Formula == nil || strings.TrimSpace(*v.Formula) == "" {
		return nil, fmt.Errorf("formula is required for formula variables")
	}

	vars := make(map[string]any)
	for _, dep := range v.FormulaDependencies() {
		res := r.resolve(ctx, dep, ec, visited, false)
		if res.Err != nil {
			var cyc *CircularReferenceError
			if errors.As(res.Err, &cyc) {
				return nil, cyc
			}
			if errors.Is(res.Err, ErrVariableUnavailable) {
				return nil, ErrVariableUnavailable
			}
			return nil, fmt.Errorf("dependency %q: %w", dep, res.Err)
		}
		vars[dep] = res.Value
	}
	return r.formulas.eval(ctx, *v.Formula, vars, ec)
}

// translateFormula rewrites tokens into CEL identifiers and promotes integer
// literals outside string literals to doubles.
func translateFormula(src string) (string, error) {
	var b strings.Builder
	n := len(src)
	for i := 0; i < n; {
		c := src[i]
		switch {
		case c == '"' || c == '\'':
			end, err := skipString(src, i)
			if err != nil {
				return "", err
			}
			b.WriteString(src[i:end])
			i = end
		case strings.HasPrefix(src[i:], "{{"):
			end := strings.Index(src[i+2:], "}}")
			if end < 0 {
				return "", fmt.Errorf("unterminated token at offset %d", i)
			}
			body := strings.TrimSpace(src[i+2 : i+2+end])
			expr, err := tokenExpr(body)
			if err != nil {
				return "", err
			}
			b.WriteString(expr)
			i += end + 4
		case isDigit(c) && (i == 0 || !isIdentOrDot(src[i-1])):
			end := i
			for end < n && isDigit(src[end]) {
				end++
			}
			integer := !afterBracket(src, i)
			if end < n {
				switch src[end] {
				case '.', 'e', 'E', 'u', 'U', 'x', 'X':
					integer = false
				}
			}
			if !integer {
				for end < n && (isIdentOrDot(src[end]) ||
					((src[end] == '+' || src[end] == '-') && (src[end-1] == 'e' || src[end-1] == 'E'))) {
					end++
				}
			}
			b.WriteString(src[i:end])
			if integer {
				b.WriteString(".0")
			}
			i = end
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), nil
}

func tokenExpr(body string) (string, error) {
	ns, rest, ok := strings.Cut(body, ".")
	if !ok || rest == "" {
		return "", fmt.Errorf("invalid token {{%s}}", body)
	}
	switch ns {
	case "var":
		if !rules.ValidVariableKey(rest) {
			return "", fmt.Errorf("invalid variable key %q", rest)
		}
		return fmt.Sprintf("vars[%q]", rest), nil
	case "event", "context":
		return body, nil
	}
	return "", fmt.Errorf("unknown token namespace %q", ns)
}

func skipString(src string, start int) (int, error) {
	quote := src[start]
	for i := start + 1; i < len(src); i++ {
		switch src[i] {
		case '\\':
			i++
		case quote:
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("unterminated string literal at offset %d", start)
}

// afterBracket reports whether the literal at i is a list index, which CEL
// requires to stay an int.
func afterBracket(src string, i int) bool {
	for j := i - 1; j >= 0; j-- {
		switch src[j] {
		case ' ', '\t':
			continue
		case '[':
			return true
		}
		return false
	}
	return false
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentOrDot(c byte) bool {
	return c == '_' || c == '.' || isDigit(c) || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
