package flow_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onwardhq/onward/pkg/flow"
	"github.com/onwardhq/onward/pkg/models"
)

const validDefinition = `
version: test-v1
initial_state: A
transitions:
  - from: A
    action: GO
    to: B
    actors: [USER]
  - from: B
    action: FINISH
    to: C
    actors: [SYSTEM]
    sets_status: COMPLETED
    compensation: UNDO_FINISH
auto_actions:
  B: FINISH
`

func TestParseDefinition(t *testing.T) {
	definition, err := flow.ParseDefinition([]byte(validDefinition))
	require.NoError(t, err)

	assert.Equal(t, "test-v1", definition.Version)
	assert.Equal(t, "A", definition.InitialState)
	assert.Len(t, definition.Transitions, 2)
	assert.Equal(t, "FINISH", definition.AutoActions["B"])
}

func TestParseDefinitionRejectsUnknownActor(t *testing.T) {
	_, err := flow.ParseDefinition([]byte(`
version: test-v1
initial_state: A
transitions:
  - from: A
    action: GO
    to: B
    actors: [ROBOT]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid flow definition")
}

func TestParseDefinitionRejectsMissingFields(t *testing.T) {
	_, err := flow.ParseDefinition([]byte(`
version: test-v1
transitions:
  - from: A
    action: GO
    to: B
    actors: [USER]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid flow definition")
}

func TestParseDefinitionRejectsDuplicateTransition(t *testing.T) {
	_, err := flow.ParseDefinition([]byte(`
version: test-v1
initial_state: A
transitions:
  - from: A
    action: GO
    to: B
    actors: [USER]
  - from: A
    action: GO
    to: C
    actors: [USER]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate transition")
}

func TestParseDefinitionRejectsUnreachableInitialState(t *testing.T) {
	_, err := flow.ParseDefinition([]byte(`
version: test-v1
initial_state: X
transitions:
  - from: A
    action: GO
    to: B
    actors: [USER]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no outgoing transitions")
}

func TestParseDefinitionRejectsDanglingAutoAction(t *testing.T) {
	_, err := flow.ParseDefinition([]byte(`
version: test-v1
initial_state: A
transitions:
  - from: A
    action: GO
    to: B
    actors: [USER]
auto_actions:
  B: FINISH
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no matching transition")
}

func TestFileSource(t *testing.T) {
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "flow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validDefinition), 0o600))

	source, err := flow.NewFileSource(path)
	require.NoError(t, err)

	transitions, autoActions, err := source.TransitionsByFlowVersion(ctx, "test-v1")
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	assert.Equal(t, "FINISH", autoActions["B"])
	assert.Equal(t, models.InstanceStatusCompleted, transitions[1].SetsStatus)
	assert.Equal(t, "UNDO_FINISH", transitions[1].CompensationAction)

	initial, ok := source.InitialState("test-v1")
	require.True(t, ok)
	assert.Equal(t, "A", initial)

	_, _, err = source.TransitionsByFlowVersion(ctx, "missing")
	require.Error(t, err)

	table := flow.NewTable()
	require.NoError(t, table.Load(ctx, source, "test-v1"))

	transition, ok := table.Resolve("test-v1", "A", "GO")
	require.True(t, ok)
	assert.Equal(t, "B", transition.ToState)
}

func TestDefaultOnboardingDefinition(t *testing.T) {
	definition, err := flow.LoadDefinitionFile("../../config/flows/onboarding-v1.yaml")
	require.NoError(t, err)

	assert.Equal(t, "onboarding-v1", definition.Version)
	assert.Equal(t, "STARTED", definition.InitialState)
	assert.NotEmpty(t, definition.AutoActions)
}
