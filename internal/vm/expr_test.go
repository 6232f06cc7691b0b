package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackvm/internal/verrors"
)

func TestEvalArithmetic(t *testing.T) {
	tests := []struct {
		expr string
		want Value
	}{
		{"1 + 2", Int(3)},
		{"2 * 3 + 4", Int(10)},
		{"2 + 3 * 4", Int(14)},
		{"(2 + 3) * 4", Int(20)},
		{"7 - 10", Int(-3)},
		{"-5 + 3", Int(-2)},
		{"10 / 4", Float(2.5)},
		{"10 / 5", Float(2)},
		{"7 % 3", Int(1)},
		{"-7 % 3", Int(-1)},
		{"7.5 % 2", Float(1.5)},
		{"2 ** 10", Int(1024)},
		{"2 ** 3 ** 2", Int(512)},
		{"-2 ** 2", Int(-4)},
		{"2 ** -1", Float(0.5)},
		{"1.5 + 2.5", Float(4)},
		{"1e2 + 1", Float(101)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, isArith, err := evalArithmetic(tt.expr)
			require.NoError(t, err)
			require.True(t, isArith)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want.Stringify(), got.Stringify())
		})
	}
}

func TestEvalArithmeticNotArithmetic(t *testing.T) {
	for _, expr := range []string{
		"hello",
		"1 + foo",
		"1 2",
		"+",
		"()",
		"1 +",
		"report: 1 + 2",
	} {
		t.Run(expr, func(t *testing.T) {
			_, isArith, err := evalArithmetic(expr)
			assert.NoError(t, err)
			assert.False(t, isArith)
		})
	}
}

func TestEvalArithmeticRuntimeFailure(t *testing.T) {
	for _, expr := range []string{"1 / 0", "5 % 0", "1 / (2 - 2)", "0 ** -1"} {
		t.Run(expr, func(t *testing.T) {
			_, isArith, err := evalArithmetic(expr)
			require.True(t, isArith)
			require.Error(t, err)
			assert.Equal(t, verrors.KindToolFailed, verrors.KindOf(err))
		})
	}
}

func TestIsArithmeticExprDoesNotEvaluate(t *testing.T) {
	// The probe form substitutes zeros for references, which must not raise
	// division-by-zero during the structural check.
	assert.True(t, isArithmeticExpr("1 / 0"))
	assert.True(t, isArithmeticExpr("0 % 0"))
	assert.False(t, isArithmeticExpr("1 / zero"))
}

func TestEvalArithmeticIntPowOverflow(t *testing.T) {
	for _, expr := range []string{"2 ** 64", "2 ** 63", "10 ** 19", "3 ** 1000000000"} {
		t.Run(expr, func(t *testing.T) {
			_, isArith, err := evalArithmetic(expr)
			require.True(t, isArith)
			require.Error(t, err)
			assert.Equal(t, verrors.KindToolFailed, verrors.KindOf(err))
			assert.Contains(t, err.Error(), "overflow")
		})
	}

	// Degenerate bases take a shortcut instead of looping over the exponent.
	got, isArith, err := evalArithmetic("1 ** 1000000000000")
	require.NoError(t, err)
	require.True(t, isArith)
	assert.True(t, Int(1).Equal(got))

	got, _, err = evalArithmetic("2 ** 62")
	require.NoError(t, err)
	assert.True(t, Int(1<<62).Equal(got))
}
