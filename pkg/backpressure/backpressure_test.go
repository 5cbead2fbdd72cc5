package backpressure_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onwardhq/onward/pkg/backpressure"
)

func testConfig(slots int64) backpressure.Config {
	return backpressure.Config{
		WorkflowSlots:  slots,
		StepSlots:      slots,
		AcquireTimeout: 20 * time.Millisecond,
	}
}

func TestControllerAdmitsUpToCapacity(t *testing.T) {
	ctx := context.Background()
	controller := backpressure.NewController(testConfig(3))

	releases := make([]func(), 0, 3)

	for range 3 {
		release, err := controller.AcquireStepPermit(ctx)
		require.NoError(t, err)

		releases = append(releases, release)
	}

	// Slot 4 must be rejected, not queued forever.
	_, err := controller.AcquireStepPermit(ctx)
	require.Error(t, err)
	assert.True(t, backpressure.IsOverloaded(err))

	for _, release := range releases {
		release()
	}

	release, err := controller.AcquireStepPermit(ctx)
	require.NoError(t, err)

	release()
}

func TestControllerPoolsAreIndependent(t *testing.T) {
	ctx := context.Background()
	controller := backpressure.NewController(testConfig(1))

	stepRelease, err := controller.AcquireStepPermit(ctx)
	require.NoError(t, err)

	defer stepRelease()

	// A saturated step pool must not block workflow starts.
	workflowRelease, err := controller.AcquireWorkflowPermit(ctx)
	require.NoError(t, err)

	workflowRelease()
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	controller := backpressure.NewController(testConfig(1))

	release, err := controller.AcquireStepPermit(ctx)
	require.NoError(t, err)

	release()
	release()

	// Double release must not free a phantom slot.
	again, err := controller.AcquireStepPermit(ctx)
	require.NoError(t, err)

	defer again()

	_, err = controller.AcquireStepPermit(ctx)
	assert.True(t, backpressure.IsOverloaded(err))
}

func TestControllerStats(t *testing.T) {
	ctx := context.Background()
	controller := backpressure.NewController(testConfig(2))

	release, err := controller.AcquireStepPermit(ctx)
	require.NoError(t, err)

	defer release()

	_, err = controller.AcquireWorkflowPermit(ctx)
	require.NoError(t, err)

	stats := controller.Stats()
	require.Len(t, stats, 2)

	byName := make(map[string]backpressure.PoolStats, len(stats))
	for _, pool := range stats {
		byName[pool.Name] = pool
	}

	assert.Equal(t, int64(1), byName["step"].Active)
	assert.Equal(t, int64(2), byName["step"].Capacity)
	assert.InDelta(t, 0.5, byName["step"].Utilization, 0.001)
}

func TestControllerRejectionCounter(t *testing.T) {
	ctx := context.Background()
	controller := backpressure.NewController(testConfig(1))

	release, err := controller.AcquireStepPermit(ctx)
	require.NoError(t, err)

	defer release()

	_, err = controller.AcquireStepPermit(ctx)
	require.Error(t, err)

	for _, pool := range controller.Stats() {
		if pool.Name == "step" {
			assert.Equal(t, int64(1), pool.Rejected)
		}
	}
}

func TestControllerHealthy(t *testing.T) {
	ctx := context.Background()
	controller := backpressure.NewController(testConfig(2))

	assert.True(t, controller.Healthy(0))

	release, err := controller.AcquireStepPermit(ctx)
	require.NoError(t, err)

	defer release()

	release2, err := controller.AcquireStepPermit(ctx)
	require.NoError(t, err)

	defer release2()

	// Step pool is fully utilized.
	assert.False(t, controller.Healthy(0))
}
