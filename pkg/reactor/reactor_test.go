// This file may be distributed under the terms of the GNU GPLv3 license.

package reactor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonotonic(t *testing.T) {
	r := New()
	a := r.Monotonic()
	time.Sleep(5 * time.Millisecond)
	assert.Greater(t, r.Monotonic(), a)
}

func TestTimerFires(t *testing.T) {
	r := New()
	r.Run()
	defer func() {
		r.End()
		r.Wait()
	}()

	var mu sync.Mutex
	count := 0
	r.RegisterTimer(func(eventtime float64) float64 {
		mu.Lock()
		count++
		c := count
		mu.Unlock()
		if c >= 3 {
			return NEVER
		}
		return eventtime + 0.005
	}, NOW)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 3
	}, 2*time.Second, time.Millisecond)
}

func TestUnregisterTimer(t *testing.T) {
	r := New()
	r.Run()
	defer func() {
		r.End()
		r.Wait()
	}()

	var mu sync.Mutex
	count := 0
	timer := r.RegisterTimer(func(eventtime float64) float64 {
		mu.Lock()
		count++
		mu.Unlock()
		return eventtime + 0.005
	}, NOW)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 1
	}, 2*time.Second, time.Millisecond)

	r.UnregisterTimer(timer)
	mu.Lock()
	frozen := count
	mu.Unlock()

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, count, frozen+1)
}

func TestRegisterCallback(t *testing.T) {
	r := New()
	r.Run()
	defer func() {
		r.End()
		r.Wait()
	}()

	completion := r.RegisterCallback(func(eventtime float64) interface{} {
		return "done"
	}, NOW)

	result := completion.Wait(2*time.Second, nil)
	assert.Equal(t, "done", result)
}

func TestPauseReturnsImmediatelyForPast(t *testing.T) {
	r := New()
	start := r.Monotonic()
	got := r.Pause(start - 1)
	assert.GreaterOrEqual(t, got, start)
}
