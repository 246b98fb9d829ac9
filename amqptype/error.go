// Copyright (c) Flowgate
// SPDX-License-Identifier: Apache-2.0

// Package amqptype defines the small, concrete slice of AMQP 1.0
// wire-adjacent types the receive-side credit engine needs — outcome
// variants, message envelopes, and transfer fragments — without
// pulling in a full frame codec, which is a transport concern
// external to this module.
package amqptype

import "fmt"

// Error mirrors the AMQP 1.0 error performative fields that matter
// to disposition handling and terminal exceptions.
type Error struct {
	Condition   string
	Description string
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Condition, e.Description)
	}
	return e.Condition
}
