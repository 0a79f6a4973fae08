package alias

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jefgrailet/sage/internal/dictionary"
	"github.com/jefgrailet/sage/internal/ipaddr"
)

func mustIP(t *testing.T, s string) ipaddr.Addr {
	t.Helper()
	a, err := ipaddr.Parse(s)
	require.NoError(t, err)
	return a
}

func entryWithHints(t *testing.T, ip string, h *dictionary.AliasHints) *dictionary.Entry {
	e := dictionary.NewEntry(mustIP(t, ip), dictionary.ResponsiveTarget)
	e.ARHints = h
	return e
}

func defaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		MaxDifference:            1000,
		MaxConsecutiveDifference: 200,
		VelocityOverlapTolerance: 0.2,
	}
}

func TestResolveAllySeedScenario(t *testing.T) {
	h1 := &dictionary.AliasHints{
		IPIDs: []uint16{100, 140}, Tokens: []uint64{1, 3}, Echoes: []bool{false, false},
		IPIDCounterClass: dictionary.HealthyCounter,
	}
	h2 := &dictionary.AliasHints{
		IPIDs: []uint16{120, 160}, Tokens: []uint64{2, 4}, Echoes: []bool{false, false},
		IPIDCounterClass: dictionary.HealthyCounter,
	}
	e1 := entryWithHints(t, "10.0.0.1", h1)
	e2 := entryWithHints(t, "10.0.0.2", h2)

	set := Resolve([]*dictionary.Entry{e1, e2}, dictionary.DuringFullAliasResolution, defaultResolverConfig())

	require.Len(t, set.Aliases, 1)
	assert.True(t, set.Aliases[0].Has(e1.IP))
	assert.True(t, set.Aliases[0].Has(e2.IP))
}

func TestResolveUDPSourceGroupsAllMembers(t *testing.T) {
	src := mustIP(t, "192.0.2.1")
	h1 := &dictionary.AliasHints{UDPSourceIP: src, UDPHasSource: true, IPIDCounterClass: dictionary.NoIdea}
	h2 := &dictionary.AliasHints{IPIDCounterClass: dictionary.NoIdea}
	e1 := entryWithHints(t, "10.0.0.1", h1)
	e2 := entryWithHints(t, src.String(), h2)

	set := Resolve([]*dictionary.Entry{e1, e2}, dictionary.DuringFullAliasResolution, defaultResolverConfig())

	a, ok := set.AliasOf(e1.IP)
	require.True(t, ok)
	assert.True(t, a.Has(e2.IP))
}

func TestResolveUnknownSingletonsWithoutDNS(t *testing.T) {
	h1 := &dictionary.AliasHints{IPIDCounterClass: dictionary.NoIdea}
	h2 := &dictionary.AliasHints{IPIDCounterClass: dictionary.NoIdea, EchoInitialTTL: 64}
	e1 := entryWithHints(t, "10.0.0.1", h1)
	e2 := entryWithHints(t, "10.0.0.2", h2)

	set := Resolve([]*dictionary.Entry{e1, e2}, dictionary.DuringFullAliasResolution, defaultResolverConfig())

	assert.Len(t, set.Aliases, 2)
}

func TestResolveStrictModeSuppressesSingleton(t *testing.T) {
	h1 := &dictionary.AliasHints{IPIDCounterClass: dictionary.NoIdea}
	e1 := entryWithHints(t, "10.0.0.1", h1)

	cfg := defaultResolverConfig()
	cfg.StrictMode = true
	set := Resolve([]*dictionary.Entry{e1}, dictionary.DuringFullAliasResolution, cfg)

	assert.Empty(t, set.Aliases)
}

func TestReverseDNSMatchAllowsOneDifferingLabel(t *testing.T) {
	assert.True(t, ReverseDNSMatch("r1.core.example.net", "r2.core.example.net"))
	assert.False(t, ReverseDNSMatch("r1.core.example.net", "r1.edge.example.com"))
	assert.False(t, ReverseDNSMatch("a.example.net", "a.b.example.net"))
}
