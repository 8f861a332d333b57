package ruleengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslateFormula(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"{{var.a}} * 2", `vars["a"] * 2.0`},
		{"({{var.bp_sys}} + 2 * {{var.bp_dia}}) / 3", `(vars["bp_sys"] + 2.0 * vars["bp_dia"]) / 3.0`},
		{"{{event.weight}} / 1.5", "event.weight / 1.5"},
		{"{{context.time_of_day}} >= 22", "context.time_of_day >= 22.0"},
		{"event.codes[0] == 'E11 9'", "event.codes[0] == 'E11 9'"},
		{"1e3 + x2", "1e3 + x2"},
	}
	for _, tt := range tests {
		got, err := translateFormula(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestTranslateFormula_Errors(t *testing.T) {
	for _, in := range []string{"{{var.a", "{{foo.bar}}", "{{var.1bad}}", "'open"} {
		_, err := translateFormula(in)
		assert.Error(t, err, in)
	}
}

func TestFormulaEngine_Check(t *testing.T) {
	f, err := newFormulaEngine()
	require.NoError(t, err)

	assert.NoError(t, f.Check("{{var.a}} + {{var.b}} * 2"))
	assert.NoError(t, f.Check("{{var.a}} > 7 ? 1 : 0"))
	assert.Error(t, f.Check("{{var.a}} +"))
	assert.Error(t, f.Check("unknown_ident + 1"))
}
