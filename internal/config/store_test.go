package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/logsplitter/internal/config"
	"github.com/sweeney/logsplitter/internal/errors"
)

func newStore(t *testing.T) *config.Store {
	t.Helper()
	cfg, v, err := config.Load(nil, config.WithConfigFile(writeConfig(t, "")))
	require.NoError(t, err)
	return config.NewStore(v, cfg)
}

func TestStoreSetDurationMilliseconds(t *testing.T) {
	s := newStore(t)

	var gotKey string
	var gotTimeout time.Duration
	s.OnChange(func(key string, cfg *config.Config) {
		gotKey = key
		gotTimeout = cfg.Sequence.Timeout
	})

	require.NoError(t, s.Set("sequence.timeout", "45000"))
	assert.Equal(t, "sequence.timeout", gotKey)
	assert.Equal(t, 45*time.Second, gotTimeout)
	assert.Equal(t, 45*time.Second, s.GetDuration("sequence.timeout"))
	assert.Equal(t, 45*time.Second, s.Config().Sequence.Timeout)
}

func TestStoreSetGoDuration(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Set("input.limit_debounce", "20ms"))
	assert.Equal(t, 20*time.Millisecond, s.Config().Input.LimitDebounce)
}

func TestStoreSetFloatAndFilter(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Set("pressure.gain", "1.25"))
	require.NoError(t, s.Set("pressure.filter", "ema"))
	assert.Equal(t, 1.25, s.GetFloat("pressure.gain"))
	assert.Equal(t, "ema", s.GetString("pressure.filter"))
}

func TestStoreRejectsUnknownKey(t *testing.T) {
	s := newStore(t)
	err := s.Set("pins.estop", "3")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrUnknownKey))
}

func TestStoreRejectsInvalidValue(t *testing.T) {
	s := newStore(t)
	called := false
	s.OnChange(func(string, *config.Config) { called = true })

	for _, kv := range [][2]string{
		{"pressure.ema_alpha", "0"},
		{"pressure.filter", "average"},
		{"sequence.stable", "-5"},
		{"pressure.vref", "abc"},
		{"log_level", "loud"},
	} {
		err := s.Set(kv[0], kv[1])
		assert.Error(t, err, kv[0])
		assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument), kv[0])
	}
	assert.False(t, called)
}

func TestStoreRollsBackOnCrossFieldFailure(t *testing.T) {
	s := newStore(t)
	// Hysteresis must stay below the threshold.
	err := s.Set("safety.hysteresis", "2600")
	require.Error(t, err)
	assert.Equal(t, 10.0, s.Config().Safety.Hysteresis)
	assert.Equal(t, 10.0, s.GetFloat("safety.hysteresis"))
}

func TestStoreRejectsThresholdAtSensorMax(t *testing.T) {
	s := newStore(t)

	err := s.Set("safety.threshold", "3000")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))
	assert.Equal(t, 2500.0, s.Config().Safety.Threshold)

	// Shrinking the range under the threshold is refused too.
	err = s.Set("pressure.max_psi", "2500")
	require.Error(t, err)
	assert.Equal(t, 3000.0, s.Config().Pressure.MaxPSI)

	require.NoError(t, s.Set("safety.threshold", "2999"))
	assert.Equal(t, 2999.0, s.Config().Safety.Threshold)
}

func TestKeysSorted(t *testing.T) {
	keys := config.Keys()
	require.NotEmpty(t, keys)
	for i := 1; i < len(keys); i++ {
		assert.Less(t, keys[i-1], keys[i])
	}
}
