package timestamp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected int64
	}{
		{"nil", nil, 0},
		{"milliseconds", int64(1672574400000), 1672574400000},
		{"seconds", int64(1672574400), 1672574400000},
		{"int seconds", 1672574400, 1672574400000},
		{"float seconds", float64(1672574400.5), 1672574400500},
		{"rfc3339", "2023-01-01T12:00:00Z", 1672574400000},
		{"numeric string", "1672574400000", 1672574400000},
		{"garbage", "not a time", 0},
		{"empty", "", 0},
		{"unsupported", struct{}{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Parse(tt.input))
		})
	}
}

func TestConversions(t *testing.T) {
	assert.Equal(t, int64(0), ToUnixMs(time.Time{}))
	assert.True(t, FromUnixMs(0).IsZero())
	assert.Equal(t, "", Format(0))
	assert.Equal(t, "2023-01-01T12:00:00Z", Format(1672574400000))

	ts := time.UnixMilli(1672574400123)
	assert.Equal(t, ts.UnixMilli(), ToUnixMs(FromUnixMs(ToUnixMs(ts))))
}

func TestElapsed(t *testing.T) {
	assert.Equal(t, time.Duration(0), Elapsed(0, 5000))
	assert.Equal(t, 1500*time.Millisecond, Elapsed(1000, 2500))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(0))
	assert.NoError(t, Validate(Now()))
	assert.Error(t, Validate(-1))
	assert.Error(t, Validate(40000000000000))
}

func TestFakeClock(t *testing.T) {
	c := NewFakeClock(1000)
	assert.Equal(t, int64(1000), c.NowMs())

	c.Advance(250 * time.Millisecond)
	assert.Equal(t, int64(1250), c.NowMs())

	c.Set(42)
	assert.Equal(t, int64(42), c.NowMs())

	var _ Clock = c
	var _ Clock = SystemClock{}
}

func TestMonotonicClock(t *testing.T) {
	c := NewMonotonicClock()
	first := c.NowMs()
	assert.InDelta(t, Now(), first, 1000)

	time.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, c.NowMs()-first, int64(5))
}
