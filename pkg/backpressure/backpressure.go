// Package backpressure bounds concurrent workflow starts and step executions
// with fair, timed admission pools. It is the sole overload-shedding point of
// the engine: when a permit cannot be acquired within the timeout the caller
// gets an Overloaded rejection instead of unbounded queueing.
package backpressure

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrOverloaded indicates a permit could not be acquired within the timeout.
// It is retryable and always distinct from business failure.
var ErrOverloaded = errors.New("admission rejected: system overloaded")

// DefaultHealthyThreshold is the utilization above which a pool reports
// unhealthy.
const DefaultHealthyThreshold = 0.90

// Config sizes the two pools.
type Config struct {
	WorkflowSlots  int64
	StepSlots      int64
	AcquireTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		WorkflowSlots:  64,
		StepSlots:      256,
		AcquireTimeout: 5 * time.Second,
	}
}

// PoolStats is a point-in-time snapshot of one pool, exposed for health probes.
type PoolStats struct {
	Name        string  `json:"name"`
	Active      int64   `json:"active"`
	Capacity    int64   `json:"capacity"`
	Rejected    int64   `json:"rejected"`
	Utilization float64 `json:"utilization"`
}

type pool struct {
	name     string
	sem      *semaphore.Weighted
	capacity int64
	timeout  time.Duration
	active   atomic.Int64
	rejected atomic.Int64
}

// acquire blocks up to the timeout for a slot. semaphore.Weighted queues
// waiters in FIFO order, which keeps admission fair under contention. The
// returned release function is safe to call exactly once on every exit path.
func (p *pool) acquire(ctx context.Context) (func(), error) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.sem.Acquire(acquireCtx, 1)
	if err != nil {
		p.rejected.Add(1)

		return nil, fmt.Errorf("%w: pool %s at %d/%d", ErrOverloaded, p.name, p.active.Load(), p.capacity)
	}

	p.active.Add(1)

	var released atomic.Bool

	return func() {
		if released.CompareAndSwap(false, true) {
			p.active.Add(-1)
			p.sem.Release(1)
		}
	}, nil
}

func (p *pool) stats() PoolStats {
	active := p.active.Load()

	return PoolStats{
		Name:        p.name,
		Active:      active,
		Capacity:    p.capacity,
		Rejected:    p.rejected.Load(),
		Utilization: float64(active) / float64(p.capacity),
	}
}

// Controller owns the two independent admission pools.
type Controller struct {
	workflow *pool
	step     *pool
}

// NewController creates the admission controller from config.
func NewController(config Config) *Controller {
	return &Controller{
		workflow: &pool{
			name:     "workflow",
			sem:      semaphore.NewWeighted(config.WorkflowSlots),
			capacity: config.WorkflowSlots,
			timeout:  config.AcquireTimeout,
		},
		step: &pool{
			name:     "step",
			sem:      semaphore.NewWeighted(config.StepSlots),
			capacity: config.StepSlots,
			timeout:  config.AcquireTimeout,
		},
	}
}

// AcquireWorkflowPermit takes a workflow-start slot. The caller must invoke
// the returned release function on every exit path.
func (c *Controller) AcquireWorkflowPermit(ctx context.Context) (func(), error) {
	return c.workflow.acquire(ctx)
}

// AcquireStepPermit takes a step-execution slot.
func (c *Controller) AcquireStepPermit(ctx context.Context) (func(), error) {
	return c.step.acquire(ctx)
}

// Stats returns snapshots of both pools.
func (c *Controller) Stats() []PoolStats {
	return []PoolStats{c.workflow.stats(), c.step.stats()}
}

// Healthy reports whether both pools sit below the utilization threshold.
// A threshold of zero means DefaultHealthyThreshold.
func (c *Controller) Healthy(threshold float64) bool {
	if threshold == 0 {
		threshold = DefaultHealthyThreshold
	}

	for _, stats := range c.Stats() {
		if stats.Utilization >= threshold {
			return false
		}
	}

	return true
}

// IsOverloaded checks if an error indicates admission rejection.
func IsOverloaded(err error) bool {
	return errors.Is(err, ErrOverloaded)
}
