// Copyright (c) Flowgate
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)
	assert.NotNil(t, m)
	assert.NotNil(t, m.creditIssuedTotal)
	assert.NotNil(t, m.dispositionRoundTrip)
}

func TestMetricsRecordMethods(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)

	ctx := context.Background()

	// These should not panic.
	m.creditIssued(ctx, 10)
	m.messageQueued(ctx)
	m.messageDequeued(ctx)
	m.messageDelivered(ctx)
	m.waiterEnrolled(ctx)
	m.waiterCompleted(ctx, 0.5)
	m.dispositionTimedOut(ctx)
	m.dispositionCompleted(ctx, 0.25)
}

func TestMetricsRecordMethodsToleratesNilReceiver(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	m.creditIssued(ctx, 10)
	m.messageQueued(ctx)
	m.messageDequeued(ctx)
	m.messageDelivered(ctx)
	m.waiterEnrolled(ctx)
	m.waiterCompleted(ctx, 0.5)
	m.dispositionTimedOut(ctx)
	m.dispositionCompleted(ctx, 0.25)
}
