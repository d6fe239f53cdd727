package ladder

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinLadders(t *testing.T) {
	assert.Equal(t, []float64{50, 75, 90}, Standard().Thresholds())
	assert.Equal(t, []float64{30, 60, 90}, Critical().Thresholds())
	assert.Equal(t, 3, Standard().MaxLevel())
	require.NoError(t, Standard().Validate())
	require.NoError(t, Critical().Validate())
}

func TestCustomValidation(t *testing.T) {
	cases := []struct {
		name       string
		thresholds []float64
		ok         bool
	}{
		{"single", []float64{10}, true},
		{"five", []float64{10, 20, 30, 40, 100}, true},
		{"zero start", []float64{0, 50}, true},
		{"empty", nil, false},
		{"six", []float64{1, 2, 3, 4, 5, 6}, false},
		{"equal", []float64{50, 50}, false},
		{"decreasing", []float64{60, 40}, false},
		{"negative", []float64{-1, 40}, false},
		{"over hundred", []float64{50, 101}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l, err := Custom(tc.thresholds)
			if tc.ok {
				require.NoError(t, err)
				assert.Equal(t, min(len(tc.thresholds), MaxEscalationLevel), l.MaxLevel())
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
		})
	}
}

func TestNextAdvancesOneLevel(t *testing.T) {
	l := Standard()
	_, ok := l.Next(0, 49.9)
	assert.False(t, ok)

	s, ok := l.Next(0, 60)
	require.True(t, ok)
	assert.Equal(t, 1, s.Level)

	s, ok = l.Next(1, 130)
	require.True(t, ok)
	assert.Equal(t, 2, s.Level)

	s, ok = l.Next(2, 130)
	require.True(t, ok)
	assert.Equal(t, 3, s.Level)

	_, ok = l.Next(3, 500)
	assert.False(t, ok)

	_, ok = l.Next(1, 74)
	assert.False(t, ok)
}

func TestNextStopsAtMaxEscalationLevel(t *testing.T) {
	l, err := Custom([]float64{10, 20, 30, 40, 50})
	require.NoError(t, err)
	assert.Len(t, l.Steps, 5)
	assert.Equal(t, 3, l.MaxLevel())

	s, ok := l.Next(2, 95)
	require.True(t, ok)
	assert.Equal(t, 3, s.Level)

	_, ok = l.Next(3, 95)
	assert.False(t, ok)
	_, ok = l.Next(4, 100)
	assert.False(t, ok)
}

func TestPercentElapsed(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	deadline := created.Add(100 * time.Minute)
	assert.InDelta(t, 60, PercentElapsed(created, deadline, created.Add(60*time.Minute)), 0.0001)
	assert.InDelta(t, 130, PercentElapsed(created, deadline, created.Add(130*time.Minute)), 0.0001)
	assert.Equal(t, float64(100), PercentElapsed(created, created, created))
	assert.Equal(t, float64(100), PercentElapsed(created, created.Add(-time.Hour), created))
}

func TestParseAndJSON(t *testing.T) {
	l, err := Parse("critical", nil)
	require.NoError(t, err)
	assert.Equal(t, KindCritical, l.Kind)

	_, err = Parse("standard", []float64{10})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = Parse("weekly", nil)
	assert.ErrorIs(t, err, ErrInvalid)

	c, err := Parse("CUSTOM", []float64{25, 80})
	require.NoError(t, err)
	raw, err := c.JSON()
	require.NoError(t, err)
	back, err := FromJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, c, back)

	def, err := FromJSON("")
	require.NoError(t, err)
	assert.Equal(t, Standard(), def)

	_, err = FromJSON(`{"kind":"CUSTOM","steps":[{"level":1,"threshold":90},{"level":2,"threshold":10}]}`)
	assert.ErrorIs(t, err, ErrInvalid)
}
