package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsolidator_HighWaterTriggersPass(t *testing.T) {
	b := testBounds()
	b.MaxIndexed = 10
	b.HighWaterRatio = 0.5
	s, _ := newTestStore(t, b)

	c := NewConsolidator(s, ConsolidatorConfig{})
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	for i := 0; i < 5; i++ {
		mustStore(t, s, "same", 0.5)
	}

	require.Eventually(t, func() bool {
		_, indexed := s.Len()
		return c.Runs() > 0 && indexed == 1
	}, 2*time.Second, 5*time.Millisecond)

	report, ok := c.LastReport()
	require.True(t, ok)
	assert.GreaterOrEqual(t, report.Before, report.After)
}

func TestConsolidator_ScheduledPasses(t *testing.T) {
	s, _ := newTestStore(t, testBounds())
	c := NewConsolidator(s, ConsolidatorConfig{Interval: 10 * time.Millisecond})
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool { return c.Runs() >= 2 }, 2*time.Second, 5*time.Millisecond)
	c.Stop()

	runs := c.Runs()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, runs, c.Runs(), "no passes after Stop")
}

func TestConsolidator_ThrottlesTriggers(t *testing.T) {
	s, _ := newTestStore(t, testBounds())
	c := NewConsolidator(s, ConsolidatorConfig{MinTriggerInterval: time.Hour})
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	c.Trigger()
	require.Eventually(t, func() bool { return c.Runs() == 1 }, 2*time.Second, 5*time.Millisecond)

	c.Trigger()
	require.Eventually(t, func() bool { return c.Throttled() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), c.Runs())
}

func TestConsolidator_StartStop(t *testing.T) {
	s, _ := newTestStore(t, testBounds())
	c := NewConsolidator(s, ConsolidatorConfig{})

	_, ok := c.LastReport()
	assert.False(t, ok)

	c.Stop()
	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()))
	c.Stop()
	c.Stop()

	// Restartable after Stop.
	require.NoError(t, c.Start(context.Background()))
	c.Stop()

	// Trigger never blocks, running or not.
	for i := 0; i < 10; i++ {
		c.Trigger()
	}
}
