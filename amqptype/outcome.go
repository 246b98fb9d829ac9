// Copyright (c) Flowgate
// SPDX-License-Identifier: Apache-2.0

package amqptype

// DeliveryState is the tagged variant carried on a Disposition
// performative: Accepted, Rejected, Released, Modified, or a
// TransactionalState wrapping one of the other four.
type DeliveryState interface {
	isDeliveryState()
}

// Accepted indicates the receiver has taken responsibility for the
// message.
type Accepted struct{}

func (Accepted) isDeliveryState() {}

// Rejected indicates the receiver could not process the message.
type Rejected struct {
	Error *Error
}

func (Rejected) isDeliveryState() {}

// Released indicates the receiver puts the message back for
// redelivery, without recording an error.
type Released struct{}

func (Released) isDeliveryState() {}

// Modified indicates the receiver requests annotations be applied
// before redelivery, and may flag the delivery as failed or
// undeliverable at this node.
type Modified struct {
	DeliveryFailed    bool
	UndeliverableHere bool
	Annotations       map[string]any
}

func (Modified) isDeliveryState() {}

// TransactionalState wraps an outcome with the transaction that
// produced it. Per spec §4.C, the disposition completion path
// unwraps this to the inner Outcome.
type TransactionalState struct {
	TxnID   []byte
	Outcome DeliveryState
}

func (TransactionalState) isDeliveryState() {}

// UnwrapOutcome returns the innermost non-transactional outcome
// carried by state, or nil if state is nil. It returns ok=false if
// state is neither an outcome the engine understands nor a
// transactional wrapper around one.
func UnwrapOutcome(state DeliveryState) (DeliveryState, bool) {
	switch s := state.(type) {
	case nil:
		return nil, true
	case TransactionalState:
		return UnwrapOutcome(s.Outcome)
	case Accepted, Rejected, Released, Modified:
		return s, true
	default:
		return nil, false
	}
}
