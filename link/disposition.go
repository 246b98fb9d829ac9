// Copyright (c) Flowgate
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/flowgate/amqp10recv/amqptype"
)

// dispositionResult is delivered to a pending disposition's caller
// once the peer's reciprocating disposition arrives, the round-trip
// times out, or the registry is aborted.
type dispositionResult struct {
	outcome amqptype.DeliveryState
	err     error
}

type pendingDisposition struct {
	tag       []byte
	resultCh  chan dispositionResult
	timer     *time.Timer
	done      atomicOnce
	startedAt time.Time
}

// atomicOnce guards a single winner among timeout/peer-response/abort
// racing to complete the same pendingDisposition.
type atomicOnce struct {
	mu   sync.Mutex
	fired bool
}

func (o *atomicOnce) claim() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fired {
		return false
	}
	o.fired = true
	return true
}

// dispositionRegistry tracks in-flight outcome updates keyed by
// delivery-tag (spec §4.C). A gobreaker.CircuitBreaker wraps the
// surface.DisposeDelivery call: five consecutive failed calls (an
// error, or a tag the surface does not know) trip it, and new
// dispositions then fail fast without reaching the surface. A
// round-trip timeout while awaiting the peer's reciprocating
// disposition happens outside the breaker and is not counted.
type dispositionRegistry struct {
	mu      sync.Mutex
	entries map[string]*pendingDisposition

	breaker *gobreaker.CircuitBreaker

	logger  *slog.Logger
	metrics *Metrics
}

func newDispositionRegistry(logger *slog.Logger, metrics *Metrics) *dispositionRegistry {
	r := &dispositionRegistry{
		entries: make(map[string]*pendingDisposition),
		logger:  logger,
		metrics: metrics,
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "disposition-round-trip",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return r
}

// startDisposition composes the delivery state, issues the
// disposition through surface, and awaits the peer's reciprocating
// disposition or a timeout (spec §4.C).
func (r *dispositionRegistry) startDisposition(
	ctx context.Context,
	surface Surface,
	tag []byte,
	txnID []byte,
	outcome amqptype.DeliveryState,
	batchable bool,
	timeout time.Duration,
) (amqptype.DeliveryState, error) {
	key := string(tag)

	r.mu.Lock()
	if _, exists := r.entries[key]; exists {
		r.mu.Unlock()
		return nil, newError(KindIllegalState, "disposition already pending for tag", nil)
	}
	pd := &pendingDisposition{tag: tag, resultCh: make(chan dispositionResult, 1), startedAt: time.Now()}
	r.entries[key] = pd
	r.mu.Unlock()

	var state amqptype.DeliveryState = outcome
	if txnID != nil {
		state = amqptype.TransactionalState{TxnID: txnID, Outcome: outcome}
	}

	_, breakerErr := r.breaker.Execute(func() (any, error) {
		found, err := surface.DisposeDelivery(ctx, tag, false, state, batchable)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, errTagNotFound
		}
		return nil, nil
	})

	if breakerErr == errTagNotFound {
		r.remove(key)
		return nil, newError(KindNotFound, "no unsettled delivery for tag", nil)
	}
	if breakerErr != nil {
		r.remove(key)
		// A caller checking errors.Is(err, link.ErrTimeout) should get
		// true here: whether the breaker itself tripped or the
		// underlying disposeDelivery call failed, the peer did not
		// reciprocate and the round-trip did not complete, which from
		// the caller's perspective is the same failure a timeout is.
		if errors.Is(breakerErr, gobreaker.ErrOpenState) || errors.Is(breakerErr, gobreaker.ErrTooManyRequests) {
			return nil, newError(KindTimeout, "disposition circuit breaker open, peer unresponsive", breakerErr)
		}
		return nil, newError(KindTimeout, "disposition round-trip failed", breakerErr)
	}

	pd.timer = time.AfterFunc(timeout, func() {
		r.onTimeout(key)
	})

	select {
	case res := <-pd.resultCh:
		return res.outcome, res.err
	case <-ctx.Done():
		r.onTimeout(key)
		return nil, ctx.Err()
	}
}

var errTagNotFound = newError(KindNotFound, "tag not found", nil)

// onPeerDisposition completes a pending entry when the peer's
// reciprocating disposition arrives, unwrapping transactional
// wrappers to the inner outcome (spec §4.C, §9).
func (r *dispositionRegistry) onPeerDisposition(tag []byte, state amqptype.DeliveryState) {
	if state == nil {
		return
	}
	key := string(tag)

	r.mu.Lock()
	pd, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if !pd.done.claim() {
		return
	}
	pd.stop()

	outcome, ok := amqptype.UnwrapOutcome(state)
	if !ok {
		pd.resultCh <- dispositionResult{err: newError(KindIllegalState, "delivery state is not an outcome", nil)}
		return
	}
	r.metrics.dispositionCompleted(context.Background(), time.Since(pd.startedAt).Seconds())
	pd.resultCh <- dispositionResult{outcome: outcome}
}

// onTimeout atomically removes the entry for tag (identified by key)
// and fails its waiter, unless a completion already won the race
// (spec §4.C).
func (r *dispositionRegistry) onTimeout(key string) {
	r.mu.Lock()
	pd, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if !pd.done.claim() {
		return
	}
	r.metrics.dispositionTimedOut(context.Background())
	pd.resultCh <- dispositionResult{err: newError(KindTimeout, "disposition round-trip timed out", nil)}
}

func (r *dispositionRegistry) remove(key string) {
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
}

// abort drains all entries and fails each with a cancellation error
// (spec §4.C, §4.E.3).
func (r *dispositionRegistry) abort(cause error) {
	r.mu.Lock()
	pending := make([]*pendingDisposition, 0, len(r.entries))
	for k, pd := range r.entries {
		pending = append(pending, pd)
		delete(r.entries, k)
	}
	r.mu.Unlock()

	for _, pd := range pending {
		if !pd.done.claim() {
			continue
		}
		pd.stop()
		pd.resultCh <- dispositionResult{err: newError(KindCancelled, "link aborted", cause)}
	}
}

func (pd *pendingDisposition) stop() {
	if pd.timer != nil {
		pd.timer.Stop()
	}
}
