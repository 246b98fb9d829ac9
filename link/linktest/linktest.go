// Copyright (c) Flowgate
// SPDX-License-Identifier: Apache-2.0

// Package linktest provides a fake link.Surface for exercising the
// receive-side credit engine without a real transport, in the manner
// of the teacher's in-memory broker fakes.
package linktest

import (
	"context"
	"sync"

	"github.com/flowgate/amqp10recv/amqptype"
)

// IssueCreditCall records one Surface.IssueCredit invocation.
type IssueCreditCall struct {
	Credit uint32
	Drain  bool
	TxnID  []byte
}

// DisposeDeliveryCall records one Surface.DisposeDelivery invocation.
type DisposeDeliveryCall struct {
	Tag       []byte
	Settled   bool
	State     amqptype.DeliveryState
	Batchable bool
}

// Surface is a fake link.Surface. Every call is appended to the
// corresponding slice under a mutex, so tests can safely assert on
// them from a different goroutine than the one driving the engine.
type Surface struct {
	mu sync.Mutex

	credit   uint32
	closing  bool
	terminal error

	// KnownTags gates DisposeDelivery's "found" return value, mirroring
	// a real link's unsettled-delivery map. Populate it with the tags
	// the test hands to the engine as message deliveries.
	KnownTags map[string]struct{}

	// DisposeErr, when set, is returned by every DisposeDelivery call
	// after it is recorded.
	DisposeErr error

	IssueCreditCalls   []IssueCreditCall
	SendFlowCalls      int
	SetCreditCalls     []uint32
	DisposeDeliveryCalls []DisposeDeliveryCall
}

// New returns an empty fake Surface with an unbounded KnownTags map.
func New() *Surface {
	return &Surface{KnownTags: make(map[string]struct{})}
}

// AddKnownTag marks tag as an unsettled delivery DisposeDelivery will
// recognize.
func (s *Surface) AddKnownTag(tag []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.KnownTags[string(tag)] = struct{}{}
}

func (s *Surface) IssueCredit(ctx context.Context, credit uint32, drain bool, txnID []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credit = credit
	s.IssueCreditCalls = append(s.IssueCreditCalls, IssueCreditCall{Credit: credit, Drain: drain, TxnID: txnID})
	return nil
}

func (s *Surface) SendFlow(ctx context.Context, echo bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendFlowCalls++
	return nil
}

func (s *Surface) SetTotalLinkCredit(credit uint32, updateQueue bool, setAutoFlow *bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credit = credit
	s.SetCreditCalls = append(s.SetCreditCalls, credit)
}

func (s *Surface) DisposeDelivery(ctx context.Context, tag []byte, settled bool, state amqptype.DeliveryState, batchable bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DisposeDeliveryCalls = append(s.DisposeDeliveryCalls, DisposeDeliveryCall{
		Tag: tag, Settled: settled, State: state, Batchable: batchable,
	})
	if s.DisposeErr != nil {
		return true, s.DisposeErr
	}
	_, known := s.KnownTags[string(tag)]
	if known && settled {
		delete(s.KnownTags, string(tag))
	}
	return known, nil
}

func (s *Surface) TerminalException() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// SetTerminalException lets a test simulate the link having already
// failed.
func (s *Surface) SetTerminalException(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminal = err
}

func (s *Surface) IsClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// SetClosing lets a test simulate the link entering close or abort.
func (s *Surface) SetClosing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = v
}

func (s *Surface) LinkCredit() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credit
}

// LastIssuedCredit returns the credit value from the most recent
// IssueCredit call, or 0 if none happened yet.
func (s *Surface) LastIssuedCredit() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.IssueCreditCalls) == 0 {
		return 0
	}
	return s.IssueCreditCalls[len(s.IssueCreditCalls)-1].Credit
}

// IssueCreditCallCount reports how many times IssueCredit has been
// called so far.
func (s *Surface) IssueCreditCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.IssueCreditCalls)
}
