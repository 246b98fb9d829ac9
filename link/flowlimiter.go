// Copyright (c) Flowgate
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// flowIssueLimiter throttles the *cadence* of IssueCredit calls
// against the peer, never a credit change itself. Size-mode credit
// recalculation can want to update credit on every enqueue and
// dequeue; without a cap, a burst of arrivals would produce a flow
// frame per message. Only Receiver.applyCreditChange consults it:
// on-demand and drain issuance, and SetTotalLinkCredit, bypass it
// (grounded in the teacher's ratelimit.IPRateLimiter pattern). A
// credit value denied by allow is never dropped: schedule coalesces
// it behind a single pending slot and flushes it once the limiter's
// next token is available.
type flowIssueLimiter struct {
	limiter *rate.Limiter

	mu      sync.Mutex
	pending *uint32
	timer   *time.Timer
}

func newFlowIssueLimiter(r float64, burst int) *flowIssueLimiter {
	if r <= 0 {
		r = defaultFlowIssueRate
	}
	if burst <= 0 {
		burst = defaultFlowIssueBurst
	}
	return &flowIssueLimiter{limiter: rate.NewLimiter(rate.Limit(r), burst)}
}

// allow reports whether a flow-frame emission may proceed right now.
// A forced issuance (credit dropping to zero, or drain) should bypass
// the limiter entirely by not calling allow.
func (f *flowIssueLimiter) allow() bool {
	return f.limiter.Allow()
}

// schedule arranges for issue(credit) to run once the limiter's next
// token is available. Calling schedule again before that fires
// replaces the pending value rather than queuing a second timer, so
// only the latest credit value for this link survives — matching
// IssueCredit's own "absolute value, not a delta" semantics.
func (f *flowIssueLimiter) schedule(credit uint32, issue func(uint32)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pending = &credit
	if f.timer != nil {
		return
	}
	delay := f.limiter.Reserve().Delay()
	f.timer = time.AfterFunc(delay, func() {
		f.mu.Lock()
		v := f.pending
		f.pending = nil
		f.timer = nil
		f.mu.Unlock()
		if v != nil {
			issue(*v)
		}
	})
}
