// Copyright (c) Flowgate
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"github.com/flowgate/amqp10recv/amqptype"
	"github.com/flowgate/amqp10recv/internal/bufpool"
)

// assembler reassembles multi-frame transfers into a Message (spec
// §4.D). It is not safe for concurrent use; callers hold the
// coordinator's lock across every call.
type assembler struct {
	maxMessageSize uint64 // 0 == unbounded

	currentBuf   *bufpool.Ref // nil when no reassembly is in progress
	currentBytes uint64
	deliveryID   uint64
	deliveryTag  []byte
	format       uint32
}

func newAssembler(maxMessageSize uint64) *assembler {
	return &assembler{maxMessageSize: maxMessageSize}
}

// feed processes one inbound transfer frame. It returns the completed
// message once a transfer with More=false is fed, nil mid-transfer,
// and a MessageSizeExceeded error unless isClosing, in which case the
// frame is silently discarded and both return values are nil.
func (a *assembler) feed(frame *amqptype.TransferFrame, isClosing bool) (*amqptype.Message, error) {
	if a.currentBuf == nil {
		a.currentBuf = bufpool.New()
		a.currentBytes = 0
		if frame.DeliveryID != nil {
			a.deliveryID = *frame.DeliveryID
		}
		if frame.DeliveryTag != nil {
			a.deliveryTag = frame.DeliveryTag
		}
		if frame.Format != nil {
			a.format = *frame.Format
		}
	}

	if a.maxMessageSize > 0 && a.currentBytes+uint64(len(frame.Payload)) > a.maxMessageSize {
		if isClosing {
			// Silently discard; leave in-progress state as-is.
			return nil, nil
		}
		a.reset()
		return nil, newError(KindMessageSizeExceeded, "reassembled message exceeds max message size", nil)
	}

	if _, err := a.currentBuf.Write(frame.Payload); err != nil {
		return nil, err
	}
	a.currentBytes += uint64(len(frame.Payload))

	if frame.More {
		return nil, nil
	}

	msg := amqptype.NewMessage(a.deliveryID, a.deliveryTag, a.format, a.currentBuf)
	// NewMessage retained its own reference; drop the assembler's.
	a.currentBuf.Release()
	a.reset()
	return msg, nil
}

func (a *assembler) reset() {
	a.currentBuf = nil
	a.currentBytes = 0
	a.deliveryTag = nil
}
