package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/onwardhq/onward/pkg/models"
	"github.com/onwardhq/onward/pkg/persistence"
)

// Definition is the on-disk shape of one flow version.
type Definition struct {
	Version      string            `yaml:"version"       json:"version"`
	InitialState string            `yaml:"initial_state" json:"initial_state"`
	Transitions  []definitionRow   `yaml:"transitions"   json:"transitions"`
	AutoActions  map[string]string `yaml:"auto_actions"  json:"auto_actions,omitempty"`
}

type definitionRow struct {
	From         string   `yaml:"from"         json:"from"`
	Action       string   `yaml:"action"       json:"action"`
	To           string   `yaml:"to"           json:"to"`
	Actors       []string `yaml:"actors"       json:"actors"`
	Async        bool     `yaml:"async"        json:"async,omitempty"`
	Compensation string   `yaml:"compensation" json:"compensation,omitempty"`
	SetsStatus   string   `yaml:"sets_status"  json:"sets_status,omitempty"`
}

// FileSource serves transition definitions from YAML files, one flow version
// per file. It satisfies Source the same way the database-backed definition
// store does.
type FileSource struct {
	definitions map[string]*Definition
}

// LoadDefinitionFile parses and validates one flow definition file.
func LoadDefinitionFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow definition %s: %w", path, err)
	}

	return ParseDefinition(data)
}

// ParseDefinition parses and validates a YAML flow definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var definition Definition

	err := yaml.Unmarshal(data, &definition)
	if err != nil {
		return nil, fmt.Errorf("failed to parse YAML flow definition: %w", err)
	}

	err = validateDefinition(&definition)
	if err != nil {
		return nil, err
	}

	return &definition, nil
}

// validateDefinition checks the definition against the JSON schema and the
// structural rules the schema cannot express.
func validateDefinition(definition *Definition) error {
	document, err := json.Marshal(definition)
	if err != nil {
		return fmt.Errorf("failed to marshal flow definition for validation: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(definitionSchema),
		gojsonschema.NewBytesLoader(document),
	)
	if err != nil {
		return fmt.Errorf("failed to validate flow definition: %w", err)
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, resultError := range result.Errors() {
			details = append(details, resultError.String())
		}

		return fmt.Errorf("invalid flow definition: %s", strings.Join(details, "; "))
	}

	// The initial state must be a source of at least one transition,
	// otherwise no instance of the flow can ever move.
	initialReachable := false

	seen := make(map[string]bool)

	for _, row := range definition.Transitions {
		key := row.From + "\x00" + row.Action
		if seen[key] {
			return fmt.Errorf("invalid flow definition: duplicate transition (%s, %s)", row.From, row.Action)
		}

		seen[key] = true

		if row.From == definition.InitialState {
			initialReachable = true
		}
	}

	if !initialReachable {
		return fmt.Errorf("invalid flow definition: initial state %s has no outgoing transitions", definition.InitialState)
	}

	for state, action := range definition.AutoActions {
		found := false

		for _, row := range definition.Transitions {
			if row.From == state && row.Action == action {
				found = true

				break
			}
		}

		if !found {
			return fmt.Errorf("invalid flow definition: auto action %s for state %s has no matching transition", action, state)
		}
	}

	return nil
}

// NewFileSource loads the given definition files into a Source.
func NewFileSource(paths ...string) (*FileSource, error) {
	source := &FileSource{definitions: make(map[string]*Definition)}

	for _, path := range paths {
		definition, err := LoadDefinitionFile(path)
		if err != nil {
			return nil, err
		}

		if _, exists := source.definitions[definition.Version]; exists {
			return nil, fmt.Errorf("duplicate flow version %s in %s", definition.Version, path)
		}

		source.definitions[definition.Version] = definition
	}

	return source, nil
}

// TransitionsByFlowVersion returns the transition rows and auto actions for a
// flow version.
func (s *FileSource) TransitionsByFlowVersion(ctx context.Context, flowVersion string) ([]*models.Transition, map[string]string, error) {
	definition, exists := s.definitions[flowVersion]
	if !exists {
		return nil, nil, fmt.Errorf("%w: %s", persistence.ErrFlowVersionNotFound, flowVersion)
	}

	transitions := make([]*models.Transition, 0, len(definition.Transitions))

	for _, row := range definition.Transitions {
		actors := make([]models.Actor, 0, len(row.Actors))

		for _, raw := range row.Actors {
			actor, err := models.ParseActor(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid actor in flow %s: %w", flowVersion, err)
			}

			actors = append(actors, actor)
		}

		transitions = append(transitions, &models.Transition{
			FlowVersion:        definition.Version,
			FromState:          row.From,
			Action:             row.Action,
			ToState:            row.To,
			AllowedActors:      actors,
			IsAsync:            row.Async,
			CompensationAction: row.Compensation,
			SetsStatus:         models.InstanceStatus(row.SetsStatus),
		})
	}

	autoActions := make(map[string]string, len(definition.AutoActions))
	for state, action := range definition.AutoActions {
		autoActions[state] = action
	}

	return transitions, autoActions, nil
}

// InitialState returns the entry state of a flow version.
func (s *FileSource) InitialState(flowVersion string) (string, bool) {
	definition, exists := s.definitions[flowVersion]
	if !exists {
		return "", false
	}

	return definition.InitialState, true
}
