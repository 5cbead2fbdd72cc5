package models

import "slices"

// Transition is one row of the externally configured transition table: it maps
// (flow version, from state, action) to a target state, constrains which
// actors may drive it, and optionally names a compensation action used during
// rollback. Transitions are immutable once loaded.
type Transition struct {
	FlowVersion        string  `json:"flow_version"        yaml:"flow_version"`
	FromState          string  `json:"from_state"          yaml:"from"`
	Action             string  `json:"action"              yaml:"action"`
	ToState            string  `json:"to_state"            yaml:"to"`
	AllowedActors      []Actor `json:"allowed_actors"      yaml:"actors"`
	IsAsync            bool    `json:"is_async"            yaml:"async"`
	CompensationAction string  `json:"compensation_action" yaml:"compensation"`

	// SetsStatus optionally moves the coarse lifecycle when the transition
	// lands, e.g. a CANCEL row sets CANCELLED. Empty leaves status untouched.
	SetsStatus InstanceStatus `json:"sets_status,omitempty" yaml:"sets_status"`
}

// AllowsActor reports whether the given actor may drive this transition.
func (t *Transition) AllowsActor(actor Actor) bool {
	return slices.Contains(t.AllowedActors, actor)
}
