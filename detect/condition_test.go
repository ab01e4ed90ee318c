package detect

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func evalWith(t *testing.T, expr string, truth map[string]bool, names []string) bool {
	t.Helper()
	node, err := ParseCondition(expr)
	require.NoError(t, err)
	ctx := EvalContext{
		SelectionNames: names,
		Lookup: func(name string) (bool, bool) {
			v, ok := truth[name]
			return v, ok
		},
	}
	return node.Eval(ctx)
}

func TestParseConditionSimpleIdentifier(t *testing.T) {
	require.True(t, evalWith(t, "sel1", map[string]bool{"sel1": true}, nil))
	require.False(t, evalWith(t, "sel1", map[string]bool{"sel1": false}, nil))
}

func TestParseConditionAndOrNot(t *testing.T) {
	require.True(t, evalWith(t, "sel1 and sel2", map[string]bool{"sel1": true, "sel2": true}, nil))
	require.False(t, evalWith(t, "sel1 and sel2", map[string]bool{"sel1": true, "sel2": false}, nil))
	require.True(t, evalWith(t, "sel1 or sel2", map[string]bool{"sel1": false, "sel2": true}, nil))
	require.True(t, evalWith(t, "not sel1", map[string]bool{"sel1": false}, nil))
	require.False(t, evalWith(t, "not sel1", map[string]bool{"sel1": true}, nil))
}

func TestParseConditionParensAndPrecedence(t *testing.T) {
	// and binds tighter than or: "sel1 or sel2 and sel3" == sel1 or (sel2 and sel3)
	truth := map[string]bool{"sel1": false, "sel2": true, "sel3": false}
	require.False(t, evalWith(t, "sel1 or sel2 and sel3", truth, nil))

	truth2 := map[string]bool{"sel1": false, "sel2": true, "sel3": true}
	require.True(t, evalWith(t, "sel1 or sel2 and sel3", truth2, nil))

	require.True(t, evalWith(t, "(sel1 or sel2) and sel3", map[string]bool{"sel1": true, "sel2": false, "sel3": true}, nil))
}

func TestParseConditionNotAndCombination(t *testing.T) {
	require.True(t, evalWith(t, "sel1 and not sel2", map[string]bool{"sel1": true, "sel2": false}, nil))
	require.False(t, evalWith(t, "sel1 and not sel2", map[string]bool{"sel1": true, "sel2": true}, nil))
}

func TestParseConditionOneOfGlob(t *testing.T) {
	names := []string{"sel_a", "sel_b", "sel_c"}
	truth := map[string]bool{"sel_a": false, "sel_b": true, "sel_c": false}
	require.True(t, evalWith(t, "1 of sel_*", truth, names))

	truth2 := map[string]bool{"sel_a": false, "sel_b": false, "sel_c": false}
	require.False(t, evalWith(t, "1 of sel_*", truth2, names))
}

func TestParseConditionAllOfGlob(t *testing.T) {
	names := []string{"sel_a", "sel_b"}
	require.True(t, evalWith(t, "all of sel_*", map[string]bool{"sel_a": true, "sel_b": true}, names))
	require.False(t, evalWith(t, "all of sel_*", map[string]bool{"sel_a": true, "sel_b": false}, names))
}

func TestParseConditionUnknownAtomIsFalse(t *testing.T) {
	require.False(t, evalWith(t, "sel1 and missing", map[string]bool{"sel1": true}, nil))
}

func TestParseConditionSyntaxError(t *testing.T) {
	_, err := ParseCondition("sel1 and (sel2")
	require.Error(t, err)

	_, err = ParseCondition("and sel1")
	require.Error(t, err)
}
