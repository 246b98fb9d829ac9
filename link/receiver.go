// Copyright (c) Flowgate
// SPDX-License-Identifier: Apache-2.0

// Package link implements the receive-side credit engine of an
// AMQP 1.0 link endpoint: transfer reassembly, message dispatch to
// waiting consumers, disposition tracking, and link credit
// regulation in both count-based auto-credit and size-based prefetch
// modes.
package link

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flowgate/amqp10recv/amqptype"
)

const beginReceiveRemoteMinWait = 10 * time.Second

// Receiver is the single synchronization point for a link's
// receive-side state (spec §4.E). Its mutex covers the flow-queue,
// waiter list, assembler reassembly state, and the listener pointer.
// It is never held across a surface call that emits a frame
// (IssueCredit, SetTotalLinkCredit, DisposeDelivery) or across a
// waiter's completion signal; the read-only surface getters
// LinkCredit and IsClosing are called with it held.
type Receiver struct {
	mu sync.Mutex

	surface Surface
	settings Settings
	logger  *slog.Logger
	metrics *Metrics
	flowLimit *flowIssueLimiter

	queue        *flowQueue
	waiters      *waiterList
	assembler    *assembler
	dispositions *dispositionRegistry

	listener func(*amqptype.Message)

	autoCredit bool
	// senderPreSettles reflects the peer's announced send-settle
	// mode (AMQP SndSettleMode = settled): the sender pre-settles
	// its transfers, so a message the engine did not ask for should
	// still be delivered rather than released (spec §4.E.2).
	senderPreSettles bool

	closed  bool
	aborted bool

	enrolledAt map[*Waiter]time.Time
}

// New constructs a Receiver bound to surface. logger and metrics may
// be nil; sensible defaults are substituted.
func New(surface Surface, settings Settings, logger *slog.Logger, metrics *Metrics) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		surface:      surface,
		settings:     settings,
		logger:       logger,
		metrics:      metrics,
		flowLimit:    newFlowIssueLimiter(settings.FlowIssueRate, settings.FlowIssueBurst),
		queue:        newFlowQueue(settings),
		waiters:      newWaiterList(),
		assembler:    newAssembler(settings.MaxMessageSize),
		dispositions: newDispositionRegistry(logger, metrics),
		autoCredit:   settings.AutoSendFlow,
		enrolledAt:   make(map[*Waiter]time.Time),
	}
}

// SetSenderPreSettles records whether the peer announced it
// pre-settles outgoing transfers, resolved once the peer's Attach is
// known.
func (r *Receiver) SetSenderPreSettles(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senderPreSettles = v
}

// Open performs link-open bring-up (spec §4.E.3): if an initial link
// credit is configured, it is issued; in size mode, credit is derived
// from the byte budget immediately.
func (r *Receiver) Open(ctx context.Context) error {
	r.mu.Lock()
	initial := r.settings.TotalLinkCredit
	sizeMode := r.queue.isSizeMode
	var sizeCredit uint32
	if sizeMode {
		sizeCredit = r.queue.credit()
	}
	r.mu.Unlock()

	if sizeMode {
		r.surface.SetTotalLinkCredit(sizeCredit, true, nil)
		return r.surface.IssueCredit(ctx, sizeCredit, false, nil)
	}
	if initial > 0 {
		r.surface.SetTotalLinkCredit(initial, false, nil)
		return r.surface.IssueCredit(ctx, initial, false, nil)
	}
	return nil
}

// OnPeerAttachConfirmed re-derives size-mode credit once the peer's
// MaxMessageSize is known (spec §4.E.3).
func (r *Receiver) OnPeerAttachConfirmed(ctx context.Context, peerMaxMessageSize uint64) error {
	r.mu.Lock()
	if peerMaxMessageSize > 0 {
		r.assembler.maxMessageSize = peerMaxMessageSize
	}
	sizeMode := r.queue.isSizeMode
	var credit uint32
	if sizeMode {
		credit = r.queue.credit()
	}
	r.mu.Unlock()

	if !sizeMode {
		return nil
	}
	r.surface.SetTotalLinkCredit(credit, true, nil)
	return r.surface.IssueCredit(ctx, credit, false, nil)
}

// RegisterListener atomically installs a single message listener.
// While installed, incoming messages bypass the flow-queue and
// waiter list and are delivered directly to f (spec §4.E).
func (r *Receiver) RegisterListener(f func(*amqptype.Message)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrLinkClosed
	}
	if r.listener != nil {
		return ErrDuplicateListener
	}
	r.listener = f
	return nil
}

// BeginReceive implements spec §4.E's beginReceive: drain from the
// queue synchronously if possible, else enroll a waiter and block
// until it completes, is cancelled, or times out. overall == 0 means
// return immediately with whatever (possibly nothing) was available.
func (r *Receiver) BeginReceive(ctx context.Context, n int, batchWait, overall time.Duration) ([]*amqptype.Message, bool, error) {
	return r.beginReceive(ctx, n, batchWait, overall, false)
}

// BeginReceiveRemoteMessages mirrors a service-call receive: an
// overall timeout of zero is treated as a 10-second minimum wait
// rather than "return immediately", to mimic waiting on a remote
// call (spec §6, §9).
func (r *Receiver) BeginReceiveRemoteMessages(ctx context.Context, n int, batchWait, overall time.Duration) ([]*amqptype.Message, bool, error) {
	if overall == 0 {
		overall = beginReceiveRemoteMinWait
	}
	return r.beginReceive(ctx, n, batchWait, overall, false)
}

// BeginReceiveDraining requests exactly n messages and asks the peer
// to drain its send queue (AMQP 1.0 drain semantics): the on-demand
// credit calculation of §4.E.1 is bypassed and the full n is issued
// immediately with the flow frame's drain flag set, rather than
// accumulating behind the batching thresholds.
func (r *Receiver) BeginReceiveDraining(ctx context.Context, n int, overall time.Duration) ([]*amqptype.Message, bool, error) {
	return r.beginReceive(ctx, n, 0, overall, true)
}

func (r *Receiver) beginReceive(ctx context.Context, n int, batchWait, overall time.Duration, drain bool) ([]*amqptype.Message, bool, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, false, ErrLinkClosed
	}

	drained, changed := r.drainLocked(n)
	if len(drained) > 0 {
		newCredit := r.queue.credit()
		r.mu.Unlock()
		for range drained {
			r.metrics.messageDequeued(ctx)
		}
		if changed {
			r.applyCreditChange(ctx, newCredit)
		}
		return drained, true, nil
	}

	if overall == 0 {
		r.mu.Unlock()
		return nil, true, nil
	}

	w := newWaiter(n, batchWait, overall, drain)
	r.waiters.enrol(w)
	r.enrolledAt[w] = time.Now()
	r.metrics.waiterEnrolled(ctx)
	r.armWaiterTimer(w, overall, false)

	var onDemandIssue *uint32
	if drain {
		issue := r.surface.LinkCredit() + uint32(n)
		onDemandIssue = &issue
	} else if !r.autoCredit {
		if issue, ok := r.computeOnDemandCreditLocked(); ok {
			onDemandIssue = &issue
		}
	}
	r.mu.Unlock()

	if onDemandIssue != nil {
		r.issueOnDemandCredit(ctx, *onDemandIssue, drain)
	}

	result := w.wait()

	r.mu.Lock()
	if t, ok := r.enrolledAt[w]; ok {
		delete(r.enrolledAt, w)
		r.metrics.waiterCompleted(ctx, time.Since(t).Seconds())
	}
	r.mu.Unlock()

	return result.messages, result.completedWithinTime, result.err
}

// drainLocked pulls up to n messages out of the flow-queue and
// reports whether any of the dequeues moved boundedCredit. Callers
// must hold r.mu.
func (r *Receiver) drainLocked(n int) ([]*amqptype.Message, bool) {
	var out []*amqptype.Message
	var changed bool
	for len(out) < n {
		m, chg := r.queue.dequeue()
		if m == nil {
			break
		}
		out = append(out, m)
		changed = changed || chg
	}
	return out, changed
}

// armWaiterTimer (re)arms w's timer to fire after d, replacing any
// timer already running. isBatch marks whether this is the
// batch-gather deadline (fires => completedWithinTime=true) or the
// overall deadline (fires => completedWithinTime=false). Callers must
// hold r.mu.
func (r *Receiver) armWaiterTimer(w *Waiter, d time.Duration, isBatch bool) {
	w.stopTimer()
	r.logger.Debug("waiter timer armed", "waiter_id", w.id, "duration", d, "batch", isBatch)
	w.timer = time.AfterFunc(d, func() {
		r.onWaiterTimerFired(w, isBatch)
	})
}

func (r *Receiver) onWaiterTimerFired(w *Waiter, isBatch bool) {
	r.mu.Lock()
	r.waiters.removeByNode(w)
	r.mu.Unlock()

	if !w.tryComplete(waiterTimedOut) {
		return
	}
	r.logger.Debug("waiter timer fired", "waiter_id", w.id, "batch", isBatch, "gathered", len(w.gathered))
	w.signal(waiterResult{
		messages:            w.gathered,
		completedWithinTime: isBatch,
	})
}

// AcceptMessage, RejectMessage, ReleaseMessage, and ModifyMessage are
// fire-and-forget disposition helpers (spec §4.E). The settled flag
// they send is derived from Settings.SettleType rather than fixed,
// since the delivery's lifetime depends on it (spec §3).
func (r *Receiver) AcceptMessage(ctx context.Context, m *amqptype.Message) error {
	return r.disposeFireAndForget(ctx, m, amqptype.Accepted{}, r.settledOnDispose(), false)
}

func (r *Receiver) RejectMessage(ctx context.Context, m *amqptype.Message, cause *amqptype.Error) error {
	return r.disposeFireAndForget(ctx, m, amqptype.Rejected{Error: cause}, r.settledOnDispose(), false)
}

func (r *Receiver) ReleaseMessage(ctx context.Context, m *amqptype.Message) error {
	return r.disposeFireAndForget(ctx, m, amqptype.Released{}, r.settledOnDispose(), false)
}

func (r *Receiver) ModifyMessage(ctx context.Context, m *amqptype.Message, deliveryFailed, undeliverableHere bool, annotations map[string]any) error {
	state := amqptype.Modified{
		DeliveryFailed:    deliveryFailed,
		UndeliverableHere: undeliverableHere,
		Annotations:       annotations,
	}
	return r.disposeFireAndForget(ctx, m, state, r.settledOnDispose(), false)
}

// settledOnDispose reports the settled flag the fire-and-forget
// helpers should send with their own disposition (spec §3, Delivery
// lifetime). SettleFirst and SettleOnDispose both consider the
// delivery final the moment the receiver's own disposition goes out;
// SettleSecond holds it open, awaiting the peer's echoing disposition
// to settle it.
func (r *Receiver) settledOnDispose() bool {
	return r.settings.SettleType != SettleSecond
}

// DisposeMessage sends an arbitrary state/settled/batchable
// disposition without awaiting the peer's reciprocation.
func (r *Receiver) DisposeMessage(ctx context.Context, m *amqptype.Message, state amqptype.DeliveryState, settled, batchable bool) error {
	return r.disposeFireAndForget(ctx, m, state, settled, batchable)
}

func (r *Receiver) disposeFireAndForget(ctx context.Context, m *amqptype.Message, state amqptype.DeliveryState, settled, batchable bool) error {
	m.Batchable = batchable
	_, err := r.surface.DisposeDelivery(ctx, m.DeliveryTag, settled, state, batchable)
	return err
}

// DisposeMessageAsync awaits the peer's reciprocating disposition
// (spec §4.C, §4.E). txnID may be nil for a non-transactional
// disposition.
func (r *Receiver) DisposeMessageAsync(ctx context.Context, tag []byte, txnID []byte, outcome amqptype.DeliveryState, batchable bool) (amqptype.DeliveryState, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrLinkClosed
	}
	timeout := r.settings.dispositionTimeout()
	return r.dispositions.startDisposition(ctx, r.surface, tag, txnID, outcome, batchable, timeout)
}

// OnPeerDisposition feeds a peer-originated disposition into the
// disposition registry (spec §4.C).
func (r *Receiver) OnPeerDisposition(tag []byte, state amqptype.DeliveryState) {
	r.dispositions.onPeerDisposition(tag, state)
}

// SetCacheBytes updates the byte budget and, if the queue exists,
// recomputes credit per §4.A. A nil budget switches the queue back to
// count mode.
func (r *Receiver) SetCacheBytes(ctx context.Context, totalCacheBytes *uint64) error {
	r.mu.Lock()
	r.queue.applyBudget(totalCacheBytes)
	changed := true
	var newCredit uint32
	if r.queue.isSizeMode {
		newCredit = r.queue.deriveBoundedCredit()
		r.queue.boundedCredit = newCredit
	} else {
		newCredit = r.queue.boundedCredit
	}
	r.mu.Unlock()

	if changed {
		r.surface.SetTotalLinkCredit(newCredit, true, nil)
		return r.surface.IssueCredit(ctx, newCredit, false, nil)
	}
	return nil
}

// ReceiveTransfer feeds one inbound transfer frame through the
// assembler and, once a message is fully reassembled, through
// message arrival handling (spec §4.D, §4.E.2).
func (r *Receiver) ReceiveTransfer(ctx context.Context, frame *amqptype.TransferFrame) error {
	r.mu.Lock()
	isClosing := r.closed || r.aborted || r.surface.IsClosing()
	msg, err := r.assembler.feed(frame, isClosing)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if msg == nil {
		r.mu.Unlock()
		return nil
	}

	plan := r.onMessageLocked(msg)
	r.mu.Unlock()

	r.executeArrivalPlan(ctx, plan)
	return nil
}

// messageArrivalPlan captures every action onMessageLocked decided on
// while holding r.mu, to be carried out once the lock is released
// (spec §5: never hold L across a frame-emitting surface call or a
// waiter completion).
type messageArrivalPlan struct {
	deliverToListener bool
	listenerFn        func(*amqptype.Message)
	listenerMsg       *amqptype.Message

	releaseMsg *amqptype.Message

	creditChanged bool
	newCredit     uint32

	completedWaiter *Waiter
	completedResult waiterResult

	onDemandIssue *uint32
	drainRequested bool

	enqueued bool
}

func (r *Receiver) onMessageLocked(msg *amqptype.Message) messageArrivalPlan {
	var plan messageArrivalPlan

	if r.listener != nil {
		plan.deliverToListener = true
		plan.listenerFn = r.listener
		plan.listenerMsg = msg
		return plan
	}

	if w := r.waiters.front(); w != nil {
		if r.queue.isSizeMode {
			if r.queue.updateCredit(msg) {
				plan.creditChanged = true
				plan.newCredit = r.queue.credit()
			}
		}

		w.append(msg, func(d time.Duration) { r.armWaiterTimer(w, d, true) })

		if w.satisfied() {
			r.waiters.removeByNode(w)
			if w.tryComplete(waiterSignalled) {
				w.stopTimer()
				plan.completedWaiter = w
				plan.completedResult = waiterResult{messages: w.gathered, completedWithinTime: true}
			}
			if !r.autoCredit {
				if issue, ok := r.computeOnDemandCreditLocked(); ok {
					plan.onDemandIssue = &issue
					plan.drainRequested = w.drain
				}
			}
		}
		return plan
	}

	if !r.autoCredit && !r.senderPreSettles {
		plan.releaseMsg = msg
		return plan
	}

	plan.enqueued = true
	if r.queue.enqueue(msg) {
		plan.creditChanged = true
		plan.newCredit = r.queue.credit()
	}
	return plan
}

func (r *Receiver) executeArrivalPlan(ctx context.Context, plan messageArrivalPlan) {
	switch {
	case plan.deliverToListener:
		r.metrics.messageDelivered(ctx)
		plan.listenerFn(plan.listenerMsg)
	case plan.releaseMsg != nil:
		_, _ = r.surface.DisposeDelivery(ctx, plan.releaseMsg.DeliveryTag, true, amqptype.Released{}, false)
		plan.releaseMsg.Release()
	case plan.enqueued:
		r.metrics.messageQueued(ctx)
	default:
		// The message was appended to the first waiter.
		r.metrics.messageDelivered(ctx)
	}

	if plan.completedWaiter != nil {
		plan.completedWaiter.signal(plan.completedResult)
	}

	if plan.creditChanged {
		r.applyCreditChange(ctx, plan.newCredit)
	}
	if plan.onDemandIssue != nil {
		r.issueOnDemandCredit(ctx, *plan.onDemandIssue, plan.drainRequested)
	}
}

func (r *Receiver) applyCreditChange(ctx context.Context, credit uint32) {
	if credit == 0 || r.flowLimit.allow() {
		// This value supersedes any older one still waiting in schedule.
		r.flowLimit.mu.Lock()
		r.flowLimit.pending = nil
		r.flowLimit.mu.Unlock()
		r.issueCreditNow(ctx, credit)
		return
	}
	// Denied by the limiter: the peer still needs this credit, just
	// not this instant. Coalesce it behind the limiter's next token
	// rather than dropping it, or a peer parked below the low
	// watermark could starve indefinitely (spec §8).
	r.flowLimit.schedule(credit, func(c uint32) {
		r.issueCreditNow(context.Background(), c)
	})
}

func (r *Receiver) issueCreditNow(ctx context.Context, credit uint32) {
	r.metrics.creditIssued(ctx, int64(credit))
	if err := r.surface.IssueCredit(ctx, credit, false, nil); err != nil {
		r.logger.Warn("issue credit failed", "credit", credit, "error", err)
	}
}

func (r *Receiver) issueOnDemandCredit(ctx context.Context, credit uint32, drain bool) {
	r.metrics.creditIssued(ctx, int64(credit))
	if err := r.surface.IssueCredit(ctx, credit, drain, nil); err != nil {
		r.logger.Warn("issue on-demand credit failed", "credit", credit, "error", err)
	}
}

// computeOnDemandCreditLocked implements spec §4.E.1: the minimum
// extra credit to issue for non-prefetching consumers, with batching
// thresholds to avoid flow-frame storms. Callers must hold r.mu.
func (r *Receiver) computeOnDemandCreditLocked() (uint32, bool) {
	c := r.surface.LinkCredit()
	w := uint32(r.waiters.len())
	rTotal := uint32(r.waiters.totalRequested())
	maxOD := r.settings.maxOnDemand()
	batchThreshold := r.settings.batchThreshold()
	pendingThreshold := r.settings.pendingThreshold()

	if w == rTotal {
		// Singleton regime: every waiter asks for exactly one message.
		if w > c && c < maxOD {
			target := w
			if target > maxOD {
				target = maxOD
			}
			need := target - c
			if w <= batchThreshold || c == 0 || need%batchThreshold == 0 {
				return c + need, true
			}
		}
		return 0, false
	}

	// Multi regime.
	if rTotal > c {
		need := rTotal - c
		if w <= pendingThreshold || c == 0 || w%pendingThreshold == 0 {
			return c + need, true
		}
	}
	return 0, false
}

// Close performs a graceful teardown (spec §4.E.3): buffered messages
// are released back to the peer, waiters complete empty, and the
// disposition registry is aborted.
func (r *Receiver) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true

	queue := r.queue
	waiters := r.waiters.snapshotAndClear()
	r.queue = newFlowQueue(r.settings)
	r.mu.Unlock()

	for {
		m, _ := queue.dequeue()
		if m == nil {
			break
		}
		_, _ = r.surface.DisposeDelivery(ctx, m.DeliveryTag, true, amqptype.Released{}, false)
		m.Release()
	}

	for _, w := range waiters {
		if !w.tryComplete(waiterSignalled) {
			continue
		}
		w.stopTimer()
		w.signal(waiterResult{completedWithinTime: false})
	}

	r.dispositions.abort(ErrLinkClosed)
	return nil
}

// Abort performs a hard teardown (spec §4.E.3): buffered messages are
// dropped without a disposition, and waiters are cancelled carrying
// cause (the link's terminal exception, if any). This asymmetry with
// Close is deliberate (spec §9).
func (r *Receiver) Abort(cause error) {
	r.mu.Lock()
	if r.aborted {
		r.mu.Unlock()
		return
	}
	r.aborted = true
	r.closed = true

	queue := r.queue
	waiters := r.waiters.snapshotAndClear()
	r.queue = newFlowQueue(r.settings)
	r.mu.Unlock()

	for {
		m, _ := queue.dequeue()
		if m == nil {
			break
		}
		m.Release()
	}

	cancelErr := newError(KindCancelled, "link aborted", cause)
	for _, w := range waiters {
		if !w.tryComplete(waiterCancelled) {
			continue
		}
		w.stopTimer()
		w.signal(waiterResult{err: cancelErr})
	}

	r.dispositions.abort(cancelErr)
}
