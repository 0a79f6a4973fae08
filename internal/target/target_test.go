package target

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jefgrailet/sage/internal/ipaddr"
)

func ip(t *testing.T, s string) ipaddr.Addr {
	t.Helper()
	a, err := ipaddr.Parse(s)
	require.NoError(t, err)
	return a
}

func TestExpandMixedAddressesAndCIDR(t *testing.T) {
	out, err := Expand("10.0.0.9, 192.168.1.0/30")
	require.NoError(t, err)

	assert.Equal(t, []ipaddr.Addr{
		ip(t, "10.0.0.9"),
		ip(t, "192.168.1.0"),
		ip(t, "192.168.1.1"),
		ip(t, "192.168.1.2"),
		ip(t, "192.168.1.3"),
	}, out)
}

func TestExpandDeduplicates(t *testing.T) {
	out, err := Expand("10.0.0.1,10.0.0.0/31")
	require.NoError(t, err)
	assert.Equal(t, []ipaddr.Addr{ip(t, "10.0.0.0"), ip(t, "10.0.0.1")}, out)
}

func TestExpandReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets")
	require.NoError(t, os.WriteFile(path, []byte("10.0.0.1\n\n# comment\n10.0.1.0/31\n"), 0644))

	out, err := Expand(path)
	require.NoError(t, err)
	assert.Equal(t, []ipaddr.Addr{ip(t, "10.0.0.1"), ip(t, "10.0.1.0"), ip(t, "10.0.1.1")}, out)
}

func TestExpandRejectsMalformedCIDR(t *testing.T) {
	_, err := Expand("10.0.0.0/33")
	assert.Error(t, err)
}

func TestExpandRejectsMissingFile(t *testing.T) {
	_, err := Expand("no-such-file-anywhere")
	assert.Error(t, err)
}
