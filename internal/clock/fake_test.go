package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAfterAdvancesNow(t *testing.T) {
	start := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	fake := NewFake(start)

	<-fake.After(5 * time.Second)
	assert.Equal(t, start.Add(5*time.Second), fake.Now())

	fake.Sleep(10 * time.Second)
	assert.Equal(t, start.Add(15*time.Second), fake.Now())

	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, fake.Waits())
}

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	fake := NewFake(start)

	fake.Advance(time.Hour)
	assert.Equal(t, start.Add(time.Hour), fake.Now())
	assert.Empty(t, fake.Waits())
}

func TestRealClockNow(t *testing.T) {
	before := time.Now()
	now := Real().Now()
	assert.False(t, now.Before(before))
}
