// Copyright (c) Flowgate
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaiter_SatisfiedSingleton(t *testing.T) {
	w := newWaiter(1, 0, time.Second, false)
	assert.False(t, w.satisfied())
	w.append(newTestMessage(t, 1), func(time.Duration) { t.Fatal("no batch timer for a singleton waiter") })
	assert.True(t, w.satisfied())
}

func TestWaiter_SatisfiedMulti(t *testing.T) {
	w := newWaiter(3, 0, time.Second, false)
	var armed time.Duration
	arm := func(d time.Duration) { armed = d }

	w.append(newTestMessage(t, 1), arm)
	assert.False(t, w.satisfied())
	assert.Zero(t, armed, "no batch timeout configured, so the timer must not be re-armed")

	w.append(newTestMessage(t, 1), arm)
	w.append(newTestMessage(t, 1), arm)
	assert.True(t, w.satisfied())
}

func TestWaiter_ArmsBatchTimerOnFirstMessageOnly(t *testing.T) {
	w := newWaiter(5, 200*time.Millisecond, time.Second, false)
	calls := 0
	arm := func(d time.Duration) {
		calls++
		assert.Equal(t, 200*time.Millisecond, d)
	}

	w.append(newTestMessage(t, 1), arm)
	w.append(newTestMessage(t, 1), arm)
	w.append(newTestMessage(t, 1), arm)
	assert.Equal(t, 1, calls, "the batch timer is armed once, on the first gathered message")
}

func TestWaiter_TryCompleteIsSingleWinner(t *testing.T) {
	w := newWaiter(1, 0, time.Second, false)
	require.True(t, w.tryComplete(waiterSignalled))
	assert.False(t, w.tryComplete(waiterTimedOut), "a second completion must lose the race")
	assert.Equal(t, waiterSignalled, w.currentStatus())
}

func TestWaiter_SignalDeliversAsynchronously(t *testing.T) {
	w := newWaiter(1, 0, time.Second, false)
	require.True(t, w.tryComplete(waiterSignalled))

	w.signal(waiterResult{completedWithinTime: true})

	select {
	case res := <-w.resultCh:
		assert.True(t, res.completedWithinTime)
	case <-time.After(time.Second):
		t.Fatal("signal did not deliver a result")
	}
}

func TestWaiter_StopTimerIsIdempotent(t *testing.T) {
	w := newWaiter(1, 0, time.Second, false)
	w.timer = time.AfterFunc(time.Hour, func() {})
	w.stopTimer()
	assert.NotPanics(t, func() { w.stopTimer() })
}
