// Copyright (c) Flowgate
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"container/list"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flowgate/amqp10recv/amqptype"
)

type waiterStatus int32

const (
	waiterPending waiterStatus = iota
	waiterSignalled
	waiterTimedOut
	waiterCancelled
)

// waiterResult is what a Waiter's resultCh carries once it leaves
// waiterPending.
type waiterResult struct {
	messages            []*amqptype.Message
	completedWithinTime bool
	err                 error
}

// Waiter is a pending receive request (spec §3). Once status leaves
// waiterPending no further message may be appended to gathered — the
// coordinator must check status (or rely on the waiter already having
// been removed from the list) before appending.
type Waiter struct {
	id uuid.UUID

	requestedCount   int
	batchWaitTimeout time.Duration // 0 == no batch timeout
	overallTimeout   time.Duration
	drain            bool

	gathered    []*amqptype.Message
	hasGathered bool

	status atomic.Int32
	timer  *time.Timer

	resultCh chan waiterResult
	node     *list.Element // set by waiterList.enrol, nil once removed
}

func newWaiter(requestedCount int, batchWaitTimeout, overallTimeout time.Duration, drain bool) *Waiter {
	return &Waiter{
		id:               uuid.New(),
		requestedCount:   requestedCount,
		batchWaitTimeout: batchWaitTimeout,
		overallTimeout:   overallTimeout,
		drain:            drain,
		resultCh:         make(chan waiterResult, 1),
	}
}

// satisfied reports whether the waiter has gathered enough messages
// to complete without waiting for a timeout (spec §4.B).
func (w *Waiter) satisfied() bool {
	if w.requestedCount == 1 && len(w.gathered) >= 1 {
		return true
	}
	return len(w.gathered) >= w.requestedCount
}

// append adds a message to gathered. Callers must hold the
// coordinator's lock and must not call append once status has left
// waiterPending. armBatchTimer is invoked when this is the first
// gathered message and a batch window applies, so the caller can
// re-arm the waiter's timer to the (shorter) batch deadline.
func (w *Waiter) append(m *amqptype.Message, armBatchTimer func(d time.Duration)) {
	w.gathered = append(w.gathered, m)
	if !w.hasGathered {
		w.hasGathered = true
		if w.requestedCount > 1 && w.batchWaitTimeout > 0 {
			armBatchTimer(w.batchWaitTimeout)
		}
	}
}

// tryComplete performs the atomic 0->target status transition
// (waiterPending -> to) that spec §5 requires for double-completion
// prevention. It returns true iff this call won the race.
func (w *Waiter) tryComplete(to waiterStatus) bool {
	return w.status.CompareAndSwap(int32(waiterPending), int32(to))
}

func (w *Waiter) currentStatus() waiterStatus {
	return waiterStatus(w.status.Load())
}

// stopTimer disposes of the waiter's timer, if any. Safe to call
// more than once.
func (w *Waiter) stopTimer() {
	if w.timer != nil {
		w.timer.Stop()
	}
}

// signal delivers the final result on a separate goroutine so the
// caller (which may be running under the coordinator's lock, or from
// a timer callback) never risks invoking arbitrary consumer code
// itself (spec §5, §9 re-entrant callback hazard).
func (w *Waiter) signal(result waiterResult) {
	go func() {
		w.resultCh <- result
	}()
}

// wait blocks until the waiter completes.
func (w *Waiter) wait() waiterResult {
	return <-w.resultCh
}
