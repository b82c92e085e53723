package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, src string) Node {
	t.Helper()
	n, err := Parse(src)
	require.NoError(t, err)
	return n
}

func TestComparisons(t *testing.T) {
	ctx := MapContext{"speed": 92, "satellites": 7}

	tests := []struct {
		src  string
		want bool
	}{
		{"speed > 85", true},
		{"speed < 85", false},
		{"speed >= 92", true},
		{"speed <= 91", false},
		{"speed == 92", true},
		{"speed != 92", false},
		{"satellites < 10", true},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			assert.Equal(t, tt.want, Eval(mustParse(t, tt.src), ctx))
		})
	}
}

func TestBooleanOperators(t *testing.T) {
	ctx := MapContext{"speed": 92, "ignition": 1}

	assert.True(t, Eval(mustParse(t, "speed > 85 and ignition == 1"), ctx))
	assert.False(t, Eval(mustParse(t, "speed > 85 and ignition == 0"), ctx))
	assert.True(t, Eval(mustParse(t, "speed > 100 or ignition == 1"), ctx))
	assert.True(t, Eval(mustParse(t, "not speed > 100"), ctx))
	assert.True(t, Eval(mustParse(t, "(speed > 85 or speed < 10) and ignition == 1"), ctx))
}

func TestBareIdentifierTruthiness(t *testing.T) {
	assert.True(t, Eval(mustParse(t, "ignition"), MapContext{"ignition": 1}))
	assert.False(t, Eval(mustParse(t, "ignition"), MapContext{"ignition": 0}))
	assert.True(t, Eval(mustParse(t, "ignition and speed > 5"),
		MapContext{"ignition": 1, "speed": 10}))
}

func TestNullSemantics(t *testing.T) {
	ctx := MapContext{"speed": 92}

	// Any comparison involving an unknown identifier is false.
	assert.False(t, Eval(mustParse(t, "battery_voltage < 11"), ctx))
	assert.False(t, Eval(mustParse(t, "battery_voltage >= 0"), ctx))
	// Null propagates through not.
	assert.False(t, Eval(mustParse(t, "not battery_voltage"), ctx))
	// A definite false short-circuits and.
	assert.False(t, Eval(mustParse(t, "speed < 10 and battery_voltage"), ctx))
	// A definite true short-circuits or.
	assert.True(t, Eval(mustParse(t, "speed > 85 or battery_voltage"), ctx))
}

func TestBooleanLiterals(t *testing.T) {
	assert.True(t, Eval(mustParse(t, "true"), MapContext{}))
	assert.False(t, Eval(mustParse(t, "false"), MapContext{}))
	assert.True(t, Eval(mustParse(t, "ignition == true"), MapContext{"ignition": 1}))
}

func TestRejectsOutsideGrammar(t *testing.T) {
	bad := []string{
		"",
		"speed +",
		"speed + 5 > 10",          // no arithmetic
		"len(speed) > 2",          // no function calls
		`name == "car"`,           // no strings
		"position.speed > 5",      // no property access
		"speed > 85 and",          // dangling operator
		"speed >> 85",             // bad operator
		"(speed > 85",             // unbalanced parens
		"speed = 85",              // single equals
		"(speed > 85) > 1",        // boolean as comparison operand
	}
	for _, src := range bad {
		t.Run(src, func(t *testing.T) {
			assert.Error(t, Validate(src), "expected %q to be rejected", src)
		})
	}
}

func TestValidateAccepts(t *testing.T) {
	good := []string{
		"speed > 85",
		"battery_voltage < 11.5 and ignition == 1",
		"not (speed > 120 or altitude > 2000)",
		"fuel_level <= 10",
	}
	for _, src := range good {
		assert.NoError(t, Validate(src), "expected %q to parse", src)
	}
}
