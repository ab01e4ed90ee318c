package detect

import (
	"testing"

	"github.com/stretchr/testify/require"

	"signalwatch/model"
)

func TestREModifierMatchesPattern(t *testing.T) {
	matched := reMatch("rule-re-1", model.String("connection refused by upstream-7"), model.String(`upstream-\d+$`))
	require.True(t, matched)
}

func TestREModifierNoMatch(t *testing.T) {
	matched := reMatch("rule-re-1", model.String("connection accepted"), model.String(`upstream-\d+$`))
	require.False(t, matched)
}

func TestREModifierInvalidPatternIsFalse(t *testing.T) {
	matched := reMatch("rule-re-1", model.String("anything"), model.String(`(unclosed`))
	require.False(t, matched)
}

func TestREModifierCachesCompiledPattern(t *testing.T) {
	pattern := `cache-probe-\d+`
	require.True(t, reMatch("rule-re-2", model.String("cache-probe-42"), model.String(pattern)))

	regexModifierCacheMu.RLock()
	_, ok := regexModifierCache[pattern]
	regexModifierCacheMu.RUnlock()
	require.True(t, ok, "compiled pattern should be cached for reuse")
}
