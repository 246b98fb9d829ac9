// Copyright (c) Flowgate
// SPDX-License-Identifier: Apache-2.0

package amqptype

import "github.com/flowgate/amqp10recv/internal/bufpool"

// Message is the reassembled unit handed from the transfer assembler
// to the receiver coordinator. Its payload buffer is borrowed from
// the connection's buffer pool; ownership of that buffer is shared
// with the frame path via reference counting (spec §5).
type Message struct {
	DeliveryID  uint64
	DeliveryTag []byte
	Format      uint32
	Batchable   bool

	payload *bufpool.Ref
}

// NewMessage creates a message that takes ownership of payload
// (retaining a reference on it). The caller's own reference is
// unaffected; release it separately when the frame is disposed.
func NewMessage(deliveryID uint64, tag []byte, format uint32, payload *bufpool.Ref) *Message {
	payload.Retain()
	return &Message{
		DeliveryID:  deliveryID,
		DeliveryTag: tag,
		Format:      format,
		payload:     payload,
	}
}

// Size returns the stable, serialized byte size of the message.
func (m *Message) Size() int {
	if m.payload == nil {
		return 0
	}
	return m.payload.Len()
}

// Payload returns the message's payload bytes.
func (m *Message) Payload() []byte {
	if m.payload == nil {
		return nil
	}
	return m.payload.Bytes()
}

// Release drops the message's reference on its backing buffer. Call
// once the message has been fully consumed (disposed or discarded).
func (m *Message) Release() {
	if m.payload != nil {
		m.payload.Release()
		m.payload = nil
	}
}

// TransferFrame carries the fields the transfer assembler needs from
// a single inbound transfer performative (spec §4.D). DeliveryID and
// DeliveryTag are only present on the first frame of a transfer; the
// assembler tracks them itself for the continuation frames.
type TransferFrame struct {
	DeliveryID  *uint64
	DeliveryTag []byte
	Format      *uint32
	More        bool
	Payload     []byte
}
