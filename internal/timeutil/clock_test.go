package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRealClock(t *testing.T) {
	c := RealClock{}
	before := time.Now()
	now := c.Now()
	assert.False(t, now.Before(before))
	assert.GreaterOrEqual(t, c.Since(before), time.Duration(0))
}

func TestMockClock_SetAndAdvance(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewMockClock(start)
	assert.Equal(t, start, c.Now())

	c.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), c.Now())
	assert.Equal(t, 90*time.Second, c.Since(start))

	later := start.Add(time.Hour)
	c.Set(later)
	assert.Equal(t, later, c.Now())
}

func TestMockClock_Step(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	c := NewMockClock(start)
	c.SetStep(250 * time.Millisecond)

	t0 := c.Now()
	t1 := c.Now()
	assert.Equal(t, 250*time.Millisecond, t1.Sub(t0))

	// Since does not step.
	assert.Equal(t, c.Since(t0), c.Since(t0))
}

func TestMockClock_Sleep(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	c := NewMockClock(start)
	c.Sleep(10 * time.Millisecond)
	c.Sleep(20 * time.Millisecond)

	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, c.Sleeps())
	assert.Equal(t, start.Add(30*time.Millisecond), c.Now())
}
