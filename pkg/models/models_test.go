package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onwardhq/onward/pkg/models"
)

func TestInstanceStatusIsTerminal(t *testing.T) {
	terminal := []models.InstanceStatus{
		models.InstanceStatusCompleted,
		models.InstanceStatusCancelled,
		models.InstanceStatusCompensated,
		models.InstanceStatusExpired,
	}

	for _, status := range terminal {
		assert.True(t, status.IsTerminal(), "expected %s to be terminal", status)
	}

	open := []models.InstanceStatus{
		models.InstanceStatusActive,
		models.InstanceStatusPaused,
		models.InstanceStatusFailed,
	}

	for _, status := range open {
		assert.False(t, status.IsTerminal(), "expected %s to be non-terminal", status)
	}
}

func TestParseActor(t *testing.T) {
	for _, raw := range []string{"USER", "SYSTEM", "ADMIN", "EXTERNAL"} {
		actor, err := models.ParseActor(raw)
		require.NoError(t, err)
		assert.Equal(t, models.Actor(raw), actor)
	}

	_, err := models.ParseActor("ROBOT")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown actor")
}

func TestActionCommandValidate(t *testing.T) {
	cmd := &models.ActionCommand{
		InstanceID: "inst-1",
		Action:     "NEXT",
		Actor:      models.ActorUser,
		RequestID:  "req-1",
	}

	require.NoError(t, cmd.Validate())

	missing := *cmd
	missing.InstanceID = ""
	assert.Error(t, missing.Validate())

	missing = *cmd
	missing.Action = ""
	assert.Error(t, missing.Validate())

	missing = *cmd
	missing.RequestID = ""
	assert.Error(t, missing.Validate())

	missing = *cmd
	missing.Actor = "ROBOT"
	assert.Error(t, missing.Validate())
}

func TestTransitionAllowsActor(t *testing.T) {
	transition := &models.Transition{
		FlowVersion:   "v1",
		FromState:     "A",
		Action:        "GO",
		ToState:       "B",
		AllowedActors: []models.Actor{models.ActorUser, models.ActorSystem},
	}

	assert.True(t, transition.AllowsActor(models.ActorUser))
	assert.True(t, transition.AllowsActor(models.ActorSystem))
	assert.False(t, transition.AllowsActor(models.ActorAdmin))
	assert.False(t, transition.AllowsActor(models.ActorExternal))
}
