// Copyright (c) Flowgate
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"context"
	"sync"

	"github.com/flowgate/amqp10recv/amqptype"
)

// FrameSink is the transport-facing seam a Session drives: it turns
// the credit engine's decisions into outbound performatives. A real
// implementation serializes onto the session's write side; tests
// substitute a recording stub.
type FrameSink interface {
	SendFlow(ctx context.Context, credit uint32, drain bool, echo bool, txnID []byte) error
	SendDisposition(ctx context.Context, tag []byte, settled bool, state amqptype.DeliveryState, batchable bool) error
}

// Session is a concrete Surface backed by an in-process bookkeeping
// of unsettled deliveries and link credit, mirroring the
// responsibilities a real link/session state machine carries around
// the receive-side engine: which delivery-tags are still open, what
// credit was last advertised, and whether the link is tearing down.
// It delegates the actual frame emission to a FrameSink so this
// module never touches transport or codec concerns directly.
type Session struct {
	mu sync.Mutex

	sink FrameSink

	credit     uint32
	unsettled  map[string]struct{}
	closing    bool
	terminal   error
}

// NewSession constructs a Session that emits frames through sink.
func NewSession(sink FrameSink) *Session {
	return &Session{
		sink:      sink,
		unsettled: make(map[string]struct{}),
	}
}

// TrackUnsettled records tag as an outstanding, undisposed delivery.
// Called by the transfer path once a message is fully reassembled
// and handed to the receiver, before disposition.
func (s *Session) TrackUnsettled(tag []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsettled[string(tag)] = struct{}{}
}

func (s *Session) IssueCredit(ctx context.Context, credit uint32, drain bool, txnID []byte) error {
	s.mu.Lock()
	s.credit = credit
	s.mu.Unlock()
	return s.sink.SendFlow(ctx, credit, drain, false, txnID)
}

func (s *Session) SendFlow(ctx context.Context, echo bool) error {
	s.mu.Lock()
	credit := s.credit
	s.mu.Unlock()
	return s.sink.SendFlow(ctx, credit, false, echo, nil)
}

func (s *Session) SetTotalLinkCredit(credit uint32, updateQueue bool, setAutoFlow *bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credit = credit
}

func (s *Session) DisposeDelivery(ctx context.Context, tag []byte, settled bool, state amqptype.DeliveryState, batchable bool) (bool, error) {
	key := string(tag)

	s.mu.Lock()
	_, known := s.unsettled[key]
	if known && settled {
		delete(s.unsettled, key)
	}
	s.mu.Unlock()

	if !known {
		return false, nil
	}
	if err := s.sink.SendDisposition(ctx, tag, settled, state, batchable); err != nil {
		return true, err
	}
	return true, nil
}

func (s *Session) TerminalException() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// Fail records a terminal exception and marks the session closing,
// mirroring what a real link does once its End/Detach carries an
// error (spec §4.E.3, §9).
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminal = err
	s.closing = true
}

func (s *Session) IsClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// BeginClosing marks the session as tearing down without recording a
// terminal exception, distinguishing a graceful close from Fail.
func (s *Session) BeginClosing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
}

func (s *Session) LinkCredit() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credit
}
