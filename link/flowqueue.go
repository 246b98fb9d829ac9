// Copyright (c) Flowgate
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"container/list"

	"github.com/flowgate/amqp10recv/amqptype"
)

// flowQueue buffers prefetched messages and, in size mode, converts a
// byte cache budget into a message-count credit using a live average
// message size with hysteresis between a "keep issuing" (50% drained)
// and "stop issuing" (90% full) watermark (spec §4.A).
type flowQueue struct {
	messages *list.List // of *amqptype.Message, FIFO

	settings Settings

	avgMsgSize      uint64
	totalCacheBytes uint64 // only meaningful when isSizeMode
	cacheSizeCredit int64  // may go briefly negative
	lowWatermark    uint64
	highOverflow    uint64
	boundedCredit   uint32
	isSizeMode      bool
}

func newFlowQueue(settings Settings) *flowQueue {
	q := &flowQueue{
		messages: list.New(),
		settings: settings,
		avgMsgSize: settings.defaultAvgMsgSize(),
	}
	q.applyBudget(settings.TotalCacheSizeInBytes)
	if q.isSizeMode {
		q.updateCredit(nil)
	}
	return q
}

func (q *flowQueue) applyBudget(totalCacheBytes *uint64) {
	if totalCacheBytes == nil {
		q.isSizeMode = false
		q.totalCacheBytes = 0
		q.cacheSizeCredit = 0
		q.lowWatermark = 0
		q.highOverflow = 0
		return
	}
	q.isSizeMode = true
	q.totalCacheBytes = *totalCacheBytes
	q.lowWatermark = q.totalCacheBytes / 2
	q.highOverflow = q.totalCacheBytes / 10
	occupied := q.occupiedBytes()
	if q.totalCacheBytes > occupied {
		q.cacheSizeCredit = int64(q.totalCacheBytes - occupied)
	} else {
		q.cacheSizeCredit = -int64(occupied - q.totalCacheBytes)
	}
}

func (q *flowQueue) occupiedBytes() uint64 {
	var total uint64
	for e := q.messages.Front(); e != nil; e = e.Next() {
		total += uint64(e.Value.(*amqptype.Message).Size())
	}
	return total
}

func (q *flowQueue) count() int {
	return q.messages.Len()
}

// enqueue adds a message that was just handed up from the assembler.
// It returns whether boundedCredit changed as a result, per §4.A "On
// enqueue".
func (q *flowQueue) enqueue(m *amqptype.Message) bool {
	q.messages.PushBack(m)
	if !q.isSizeMode {
		return false
	}

	q.cacheSizeCredit -= int64(m.Size())

	before := q.boundedCredit
	switch {
	case q.cacheSizeCredit > int64(q.highOverflow):
		q.updateCredit(nil)
	case q.cacheSizeCredit <= 0:
		q.boundedCredit = 0
	default:
		q.boundedCredit = 1
	}
	return q.boundedCredit != before
}

// dequeue removes and returns the oldest message, or nil if empty. It
// reports whether boundedCredit changed, per §4.A "On dequeue".
func (q *flowQueue) dequeue() (*amqptype.Message, bool) {
	front := q.messages.Front()
	if front == nil {
		return nil, false
	}
	q.messages.Remove(front)
	m := front.Value.(*amqptype.Message)

	if !q.isSizeMode {
		return m, false
	}

	q.cacheSizeCredit += int64(m.Size())

	before := q.boundedCredit
	switch {
	case q.cacheSizeCredit >= int64(q.lowWatermark):
		q.updateCredit(nil)
	case q.cacheSizeCredit > 0:
		q.boundedCredit = 1
	}
	return m, q.boundedCredit != before
}

// updateCredit recomputes avgMsgSize (optionally accounting for an
// un-queued newcomer message handed directly to a waiter) and
// reapplies the clamping from §4.A. It reports whether boundedCredit
// changed.
func (q *flowQueue) updateCredit(extraMsg *amqptype.Message) bool {
	before := q.boundedCredit

	count := q.count()
	occupied := q.occupiedBytes()
	if extraMsg != nil {
		count++
		occupied += uint64(extraMsg.Size())
	}

	if q.isSizeMode {
		var occupiedFromBudget uint64
		if q.cacheSizeCredit < int64(q.totalCacheBytes) {
			occupiedFromBudget = q.totalCacheBytes - uint64(max64(q.cacheSizeCredit, 0))
		}
		if extraMsg != nil {
			occupiedFromBudget += uint64(extraMsg.Size())
		}
		if count > 0 {
			q.avgMsgSize = occupiedFromBudget / uint64(count)
		}
		if q.avgMsgSize == 0 {
			q.avgMsgSize = q.settings.defaultAvgMsgSize()
		}
	}

	q.boundedCredit = q.deriveBoundedCredit()
	return q.boundedCredit != before
}

// deriveBoundedCredit implements the §4.A credit-derivation formula.
func (q *flowQueue) deriveBoundedCredit() uint32 {
	if q.cacheSizeCredit <= 0 {
		return 0
	}
	maxCredit := q.settings.maxCreditPerFlow()
	avail := uint64(q.cacheSizeCredit)
	quotient := avail / q.avgMsgSize
	if quotient == 0 {
		// avg message exceeds remaining budget: force 1 so the link
		// does not deadlock with budget remaining and zero credit.
		quotient = 1
	}
	if quotient > uint64(maxCredit) {
		return maxCredit
	}
	return uint32(quotient)
}

func (q *flowQueue) credit() uint32 {
	return q.boundedCredit
}

func max64(a int64, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
