package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFake_AdvanceRunsDueTasksInOrder(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	var order []string

	f.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	f.AfterFunc(time.Second, func() { order = append(order, "a") })
	f.AfterFunc(5*time.Second, func() { order = append(order, "c") })

	f.Advance(3 * time.Second)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, []time.Duration{5 * time.Second}, f.Pending())

	f.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestFake_Stop(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ran := false

	timer := f.AfterFunc(time.Second, func() { ran = true })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	f.Advance(time.Minute)
	assert.False(t, ran)
	assert.Empty(t, f.Pending())
}

func TestFake_RescheduleInsideWindow(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ticks := 0

	var tick func()
	tick = func() {
		ticks++
		f.AfterFunc(time.Second, tick)
	}
	f.AfterFunc(time.Second, tick)

	f.Advance(3500 * time.Millisecond)
	assert.Equal(t, 3, ticks)
	assert.Equal(t, time.Unix(0, 0).Add(3500*time.Millisecond), f.Now())
}
