// Copyright (c) Flowgate
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"context"

	"github.com/flowgate/amqp10recv/amqptype"
)

// Surface is everything the receive-side credit engine consumes from
// the shared link/session base (spec §6). It is the seam between
// this module and AMQP frame codec, transport I/O, and the link
// state machine, all of which are out of scope here.
type Surface interface {
	// IssueCredit emits a flow frame setting the peer's available
	// credit to an absolute, non-negative value.
	IssueCredit(ctx context.Context, credit uint32, drain bool, txnID []byte) error
	// SendFlow emits a flow frame reflecting current link state,
	// optionally requesting the peer echo its own flow back.
	SendFlow(ctx context.Context, echo bool) error
	// SetTotalLinkCredit updates the link's session-visible credit
	// ceiling. updateQueue asks the base to reconcile any queued
	// flow state; setAutoFlow, when non-nil, overrides the base's
	// auto-flow behavior for this update.
	SetTotalLinkCredit(credit uint32, updateQueue bool, setAutoFlow *bool)
	// DisposeDelivery sends a disposition for tag. It returns false
	// if tag does not match a known unsettled delivery.
	DisposeDelivery(ctx context.Context, tag []byte, settled bool, state amqptype.DeliveryState, batchable bool) (bool, error)
	// TerminalException returns the link's terminal error, if the
	// link has already failed, else nil.
	TerminalException() error
	// IsClosing reports whether the link has begun a graceful close
	// or abort.
	IsClosing() bool
	// LinkCredit returns the link's current credit as observed by
	// the base (spec §4.E.1's C).
	LinkCredit() uint32
}
