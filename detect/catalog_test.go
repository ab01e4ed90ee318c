package detect

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCatalogShipsFourPacksInFixedOrder(t *testing.T) {
	catalog, err := LoadCatalog()
	require.NoError(t, err)

	packs := catalog.ListPacks()
	require.Len(t, packs, 4)
	require.Equal(t, "startup-reliability", packs[0].ID)
	require.Equal(t, "auth-security", packs[1].ID)
	require.Equal(t, "database-health", packs[2].ID)
	require.Equal(t, "payment-billing", packs[3].ID)

	for _, p := range packs {
		require.NotEmpty(t, p.Rules, "pack %s should ship with rules", p.ID)
		for _, r := range p.Rules {
			require.NotEmpty(t, r.ID)
			require.NotEmpty(t, r.Detection.Condition)
			require.NotEmpty(t, r.Detection.Selections)
			for name, sel := range r.Detection.Selections {
				require.Equal(t, name, sel.Name)
				require.NotEmpty(t, sel.Predicates, "selection %s in rule %s should have predicates", name, r.ID)
			}
		}
	}
}

func TestGetPackByID(t *testing.T) {
	catalog, err := LoadCatalog()
	require.NoError(t, err)

	pack, ok := catalog.GetPackByID("auth-security")
	require.True(t, ok)
	require.Equal(t, "auth-security", pack.ID)

	_, ok = catalog.GetPackByID("does-not-exist")
	require.False(t, ok)
}

func TestRuleByIDWithinPack(t *testing.T) {
	catalog, err := LoadCatalog()
	require.NoError(t, err)
	pack, _ := catalog.GetPackByID("startup-reliability")

	rule, ok := pack.RuleByID("repeated-crash-loop")
	require.True(t, ok)
	require.Equal(t, "Service crash-looped on startup", rule.Name)

	_, ok = pack.RuleByID("no-such-rule")
	require.False(t, ok)
}
