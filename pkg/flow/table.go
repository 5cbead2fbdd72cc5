// Package flow holds the immutable, versioned transition table that governs
// the fine-grained business position of onboarding instances. The engine has
// no hardcoded knowledge of state names; everything comes from here.
package flow

import (
	"context"
	"fmt"
	"sync"

	"github.com/onwardhq/onward/pkg/models"
)

// Source reads transition definitions for one flow version. The PostgreSQL
// persistence layer and the YAML loader both satisfy it.
type Source interface {
	TransitionsByFlowVersion(ctx context.Context, flowVersion string) ([]*models.Transition, map[string]string, error)
}

type tripleKey struct {
	flowVersion string
	fromState   string
	action      string
}

// Table resolves (flow version, from state, action) triples in O(1). Loaded
// per flow version at startup and read-only thereafter.
type Table struct {
	mu           sync.RWMutex
	byTriple     map[tripleKey]*models.Transition
	autoActions  map[string]map[string]string // flow version -> state -> action
	initialState map[string]string
}

// NewTable creates an empty transition table.
func NewTable() *Table {
	return &Table{
		byTriple:     make(map[tripleKey]*models.Transition),
		autoActions:  make(map[string]map[string]string),
		initialState: make(map[string]string),
	}
}

// Load caches one flow version's transitions from the source. Reloading the
// same version replaces its rows wholesale; individual rows never change.
func (t *Table) Load(ctx context.Context, source Source, flowVersion string) error {
	transitions, autoActions, err := source.TransitionsByFlowVersion(ctx, flowVersion)
	if err != nil {
		return fmt.Errorf("failed to load transitions for flow version %s: %w", flowVersion, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for key := range t.byTriple {
		if key.flowVersion == flowVersion {
			delete(t.byTriple, key)
		}
	}

	for _, transition := range transitions {
		key := tripleKey{
			flowVersion: transition.FlowVersion,
			fromState:   transition.FromState,
			action:      transition.Action,
		}

		if _, exists := t.byTriple[key]; exists {
			return fmt.Errorf("duplicate transition (%s, %s, %s)", key.flowVersion, key.fromState, key.action)
		}

		t.byTriple[key] = transition
	}

	t.autoActions[flowVersion] = autoActions

	return nil
}

// SetInitialState records the entry state of a flow version, used by the
// start operation.
func (t *Table) SetInitialState(flowVersion, state string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.initialState[flowVersion] = state
}

// InitialState returns the entry state of a flow version.
func (t *Table) InitialState(flowVersion string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state, ok := t.initialState[flowVersion]

	return state, ok
}

// Resolve returns the transition for the triple, or false when the table has
// no such row.
func (t *Table) Resolve(flowVersion, fromState, action string) (*models.Transition, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	transition, ok := t.byTriple[tripleKey{flowVersion: flowVersion, fromState: fromState, action: action}]

	return transition, ok
}

// AutoAction returns the automatic follow-up action fired on entering the
// given state, if the flow defines one.
func (t *Table) AutoAction(flowVersion, state string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	action, ok := t.autoActions[flowVersion][state]

	return action, ok
}

// AutoContinuableStates returns every state with an automatic follow-up
// action for a flow version. These are the internal forward-progress points
// the recovery scanner nudges; states awaiting an external callback have no
// auto action and are left alone.
func (t *Table) AutoContinuableStates(flowVersion string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	states := make([]string, 0, len(t.autoActions[flowVersion]))
	for state := range t.autoActions[flowVersion] {
		states = append(states, state)
	}

	return states
}

// FlowVersions returns the loaded flow versions.
func (t *Table) FlowVersions() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	versions := make([]string, 0, len(t.autoActions))
	for version := range t.autoActions {
		versions = append(versions, version)
	}

	return versions
}
