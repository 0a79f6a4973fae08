package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPassesValidate(t *testing.T) {
	c := Default()
	assert.NoError(t, c.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sage.conf")
	body := "probingTimeoutPeriod=5000\n" +
		"aliasResolutionStrictMode=true\n" +
		"scanningStartTTL=3\n" +
		"aliasResolutionVelocityMaxError=0.5\n" +
		"probingPayloadMessage=hello\n" +
		"notARealKey=123\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	c, warnings, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5000*time.Millisecond, c.ProbingTimeoutPeriod)
	assert.True(t, c.AliasResolutionStrictMode)
	assert.Equal(t, 3, c.ScanningStartTTL)
	assert.InDelta(t, 0.5, c.AliasResolutionVelocityMaxError, 1e-9)
	assert.Equal(t, "hello", c.ProbingPayloadMessage)
	assert.Len(t, warnings, 1)
}

func TestLoadRejectsOutOfRangeIntKeepsDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sage.conf")
	require.NoError(t, os.WriteFile(path, []byte("scanningStartTTL=9999\n"), 0644))

	c, warnings, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, Default().ScanningStartTTL, c.ScanningStartTTL)
	assert.Len(t, warnings, 1)
}

func TestValidateRejectsTooFewThreads(t *testing.T) {
	c := Default()
	c.ConcurrencyMaxThreads = 2
	c.AliasResolutionNbIPIDs = 4
	assert.Error(t, c.Validate())
}
