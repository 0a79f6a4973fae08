package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jefgrailet/sage/internal/config"
	"github.com/jefgrailet/sage/internal/dictionary"
	"github.com/jefgrailet/sage/internal/ipaddr"
	"github.com/jefgrailet/sage/internal/prober"
	"github.com/jefgrailet/sage/internal/workerpool"
)

func ip(t *testing.T, s string) ipaddr.Addr {
	t.Helper()
	a, err := ipaddr.Parse(s)
	require.NoError(t, err)
	return a
}

func newTestEnv(t *testing.T) *Environment {
	t.Helper()
	logger := zap.NewNop()
	return New(config.Default(), "eth0", prober.ICMP, logger)
}

func TestExitCodeReflectsStopped(t *testing.T) {
	e := newTestEnv(t)
	assert.Equal(t, 0, e.ExitCode())

	e.Stopped = true
	assert.Equal(t, 1, e.ExitCode())
}

func TestResponsiveTargetsOnlyReturnsResponsiveType(t *testing.T) {
	e := newTestEnv(t)
	a, b, c := ip(t, "10.0.0.1"), ip(t, "10.0.0.2"), ip(t, "10.0.0.3")

	e.Dict.Create(a, dictionary.ResponsiveTarget)
	e.Dict.Create(b, dictionary.ResponsiveTarget)
	scanned, _ := e.Dict.Create(c, dictionary.ResponsiveTarget)
	scanned.Type = dictionary.SuccessfullyScanned

	targets := e.responsiveTargets()
	assert.ElementsMatch(t, []ipaddr.Addr{a, b}, targets)
	assert.Equal(t, 2, e.responsiveCount())
}

// fakeProber satisfies prober.Prober with no-op replies, letting tests
// build a real *workerpool.ProberPool without opening actual sockets.
type fakeProber struct{}

func (fakeProber) Probe(ipaddr.Addr, int, bool, uint16, uint16, time.Duration) (prober.Record, error) {
	return prober.Record{}, nil
}
func (fakeProber) ProbeIPID(ipaddr.Addr, uint16, time.Duration) (prober.Record, error) {
	return prober.Record{}, nil
}
func (fakeProber) ProbeTimestamp(ipaddr.Addr, time.Duration) (prober.Record, error) {
	return prober.Record{}, nil
}
func (fakeProber) ProbeUDPUnreachable(ipaddr.Addr, uint16, time.Duration) (prober.Record, error) {
	return prober.Record{}, nil
}
func (fakeProber) ReverseDNS(ipaddr.Addr) (string, error) { return "", nil }
func (fakeProber) Close() error                           { return nil }

func TestRaiseStopSetsEnvironmentStopped(t *testing.T) {
	e := newTestEnv(t)
	pool, err := workerpool.NewProberPool(1, func(int) (prober.Prober, error) { return fakeProber{}, nil })
	require.NoError(t, err)
	defer pool.CloseAll()

	assert.False(t, e.raiseStop(pool, "prescan"))
	assert.False(t, e.Stopped)

	pool.Stop()
	assert.True(t, e.raiseStop(pool, "prescan"))
	assert.True(t, e.Stopped)
}

func TestDefaultLoggerMapsVerbosityToLevel(t *testing.T) {
	cases := []struct {
		verbosity int
		want      zapcore.Level
	}{
		{0, zapcore.FatalLevel},
		{1, zapcore.WarnLevel},
		{2, zapcore.InfoLevel},
		{3, zapcore.DebugLevel},
		{99, zapcore.DebugLevel},
	}
	for _, c := range cases {
		logger, err := DefaultLogger(c.verbosity)
		require.NoError(t, err)
		assert.True(t, logger.Core().Enabled(c.want))
		if c.want != zapcore.DebugLevel {
			assert.False(t, logger.Core().Enabled(c.want - 1))
		}
	}
}
