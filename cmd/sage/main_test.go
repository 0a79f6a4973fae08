package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jefgrailet/sage/internal/alias"
	"github.com/jefgrailet/sage/internal/config"
	"github.com/jefgrailet/sage/internal/env"
	"github.com/jefgrailet/sage/internal/graph"
	"github.com/jefgrailet/sage/internal/ipaddr"
	"github.com/jefgrailet/sage/internal/prober"
)

func ip(t *testing.T, s string) ipaddr.Addr {
	t.Helper()
	a, err := ipaddr.Parse(s)
	require.NoError(t, err)
	return a
}

func TestParseProtocolAcceptsCaseInsensitiveNames(t *testing.T) {
	p, err := parseProtocol("icmp")
	require.NoError(t, err)
	assert.Equal(t, prober.ICMP, p)

	p, err = parseProtocol("UDP")
	require.NoError(t, err)
	assert.Equal(t, prober.UDP, p)

	p, err = parseProtocol("Tcp")
	require.NoError(t, err)
	assert.Equal(t, prober.TCP, p)
}

func TestParseProtocolRejectsUnknown(t *testing.T) {
	_, err := parseProtocol("sctp")
	assert.Error(t, err)
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestFirstNonLoopbackIPv4DoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() { firstNonLoopbackIPv4() })
}

func TestCollectVertexAliasesMergesEveryVertex(t *testing.T) {
	a, b, c, d := ip(t, "10.0.0.1"), ip(t, "10.0.0.2"), ip(t, "10.0.0.3"), ip(t, "10.0.0.4")

	v1 := &graph.Vertex{ID: 1, Aliases: alias.NewSet()}
	v1.Aliases.Add([]ipaddr.Addr{a, b})

	v2 := &graph.Vertex{ID: 2, Aliases: alias.NewSet()}
	v2.Aliases.Add([]ipaddr.Addr{c, d})

	v3 := &graph.Vertex{ID: 3} // no Galileo-filled alias set yet

	g := graph.NewForTest()
	g.AddForTest(v1, v2, v3)

	e := &env.Environment{Graph: g}
	full := collectVertexAliases(e)

	assert.Len(t, full.Aliases, 2)
	al, ok := full.AliasOf(a)
	require.True(t, ok)
	assert.ElementsMatch(t, []ipaddr.Addr{a, b}, al.IPs)
}
