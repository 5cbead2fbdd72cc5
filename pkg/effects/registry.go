package effects

import (
	"context"
	"fmt"
	"sync"

	"github.com/onwardhq/onward/pkg/models"
)

// Producer performs one non-deterministic or externally observable call and
// returns a serializable result.
type Producer func(ctx context.Context) (any, error)

// Activity is the business step bound to an action. It performs its external
// calls exclusively through the scope so they are recorded live and served
// from history during replay.
type Activity func(ctx context.Context, scope *Scope, instance *models.Instance, cmd *models.ActionCommand) error

// Registry maps action names to activities and declares the side-effect names
// each activity may invoke. Declaring names up front moves "unknown side
// effect" from a replay-time surprise to a load-time error.
type Registry struct {
	mu          sync.RWMutex
	activities  map[string]Activity
	effectNames map[string]bool
}

// NewRegistry creates an empty activity registry.
func NewRegistry() *Registry {
	return &Registry{
		activities:  make(map[string]Activity),
		effectNames: make(map[string]bool),
	}
}

// Register binds an activity to an action and declares the side-effect names
// it invokes. Registering the same action twice is a configuration bug.
func (r *Registry) Register(action string, activity Activity, effectNames ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.activities[action]; exists {
		return fmt.Errorf("activity already registered for action %s", action)
	}

	r.activities[action] = activity

	for _, name := range effectNames {
		r.effectNames[name] = true
	}

	return nil
}

// ActivityFor returns the activity bound to an action. Actions without an
// activity are pure state moves.
func (r *Registry) ActivityFor(action string) (Activity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	activity, ok := r.activities[action]

	return activity, ok
}

// KnownEffect reports whether a side-effect name was declared at registration.
func (r *Registry) KnownEffect(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.effectNames[name]
}
