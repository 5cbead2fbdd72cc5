package models

import (
	"errors"
	"fmt"
	"time"
)

// Actor identifies who is allowed to drive a transition.
type Actor string

const (
	ActorUser     Actor = "USER"
	ActorSystem   Actor = "SYSTEM"
	ActorAdmin    Actor = "ADMIN"
	ActorExternal Actor = "EXTERNAL"
)

// ParseActor converts a string into a known Actor.
func ParseActor(s string) (Actor, error) {
	switch Actor(s) {
	case ActorUser, ActorSystem, ActorAdmin, ActorExternal:
		return Actor(s), nil
	default:
		return "", fmt.Errorf("unknown actor: %q", s)
	}
}

// ActionCommand is a request to advance one instance by one named action.
// RequestID is the idempotency key: resubmitting the same command yields the
// previously recorded result instead of a second execution.
type ActionCommand struct {
	InstanceID string    `json:"instance_id"`
	Action     string    `json:"action"`
	Actor      Actor     `json:"actor"`
	RequestID  string    `json:"request_id"`
	OccurredAt time.Time `json:"occurred_at"`

	// ChainDepth counts auto-chained follow-up hops. It guards against
	// transition tables that loop back on themselves.
	ChainDepth int `json:"chain_depth,omitempty"`
}

// Validate checks the command carries everything the engine needs.
func (c *ActionCommand) Validate() error {
	if c.InstanceID == "" {
		return errors.New("action command instance id is required")
	}

	if c.Action == "" {
		return errors.New("action command action is required")
	}

	if c.RequestID == "" {
		return errors.New("action command request id is required")
	}

	if _, err := ParseActor(string(c.Actor)); err != nil {
		return fmt.Errorf("invalid action command actor: %w", err)
	}

	return nil
}
