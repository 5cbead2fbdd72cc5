package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onwardhq/onward/pkg/effects"
	"github.com/onwardhq/onward/pkg/engine"
	"github.com/onwardhq/onward/pkg/flow"
	"github.com/onwardhq/onward/pkg/models"
	"github.com/onwardhq/onward/pkg/onboarding"
	"github.com/onwardhq/onward/pkg/persistence/memory"
	"github.com/onwardhq/onward/pkg/web"
)

type stubCompensator struct {
	calls int
}

func (c *stubCompensator) Compensate(ctx context.Context, instanceID, reason string) error {
	c.calls++

	return nil
}

// setupTestApp routes the handlers over an in-memory service running a small
// two-step flow: STARTED --BEGIN--> PHONE_ENTERED --NEXT--> DONE.
func setupTestApp(t *testing.T) (*fiber.App, *onboarding.Service) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	store := memory.NewPersistence()
	store.SeedTransitions("v1", []*models.Transition{
		{FlowVersion: "v1", FromState: "STARTED", Action: "BEGIN", ToState: "PHONE_ENTERED",
			AllowedActors: []models.Actor{models.ActorSystem}},
		{FlowVersion: "v1", FromState: "PHONE_ENTERED", Action: "NEXT", ToState: "DONE",
			AllowedActors: []models.Actor{models.ActorUser}, SetsStatus: models.InstanceStatusCompleted},
	}, map[string]string{"STARTED": "BEGIN"})

	table := flow.NewTable()
	require.NoError(t, table.Load(context.Background(), store, "v1"))
	table.SetInitialState("v1", "STARTED")

	registry := effects.NewRegistry()
	executor := effects.NewExecutor(store, registry, logger)
	eng := engine.NewEngine(store, table, executor, nil, logger, engine.DefaultConfig())
	replayer := engine.NewReplayer(store, table, registry, logger, engine.DefaultConfig())
	service := onboarding.NewService(eng, replayer, &stubCompensator{}, nil, logger)

	handlers := web.NewAPIHandlers(service)
	app := fiber.New()

	instances := app.Group("/instances")
	instances.Post("/", handlers.CreateInstance)
	instances.Get("/:id", handlers.GetInstance)
	instances.Post("/:id/actions", handlers.HandleAction)
	instances.Get("/:id/events", handlers.GetEvents)
	instances.Post("/:id/compensate", handlers.CompensateInstance)
	instances.Post("/:id/replay", handlers.ReplayInstance)
	app.Get("/health", handlers.HealthCheck)

	return app, service
}

func postJSON(t *testing.T, app *fiber.App, path string, body any) *http.Response {
	t.Helper()

	var payload []byte

	if raw, ok := body.(string); ok {
		payload = []byte(raw)
	} else {
		var err error

		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBuffer(payload))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)

	return resp
}

func getJSON(t *testing.T, app *fiber.App, path string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Accept", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)

	return resp
}

func createTestInstance(t *testing.T, app *fiber.App) models.Instance {
	t.Helper()

	resp := postJSON(t, app, "/instances", onboarding.StartRequest{
		UserID:      "user-1",
		FlowVersion: "v1",
		RequestID:   "req-start-1",
	})

	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var instance models.Instance
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&instance))

	return instance
}

func TestCreateInstance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		requestBody    any
		expectedStatus int
	}{
		{
			name: "successful creation",
			requestBody: onboarding.StartRequest{
				UserID:      "user-1",
				FlowVersion: "v1",
				RequestID:   "req-1",
			},
			expectedStatus: http.StatusCreated,
		},
		{
			name: "validation error - missing user id",
			requestBody: onboarding.StartRequest{
				FlowVersion: "v1",
				RequestID:   "req-2",
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "invalid JSON",
			requestBody:    "not-json",
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app, _ := setupTestApp(t)

			resp := postJSON(t, app, "/instances", tt.requestBody)

			defer func() { _ = resp.Body.Close() }()

			assert.Equal(t, tt.expectedStatus, resp.StatusCode)

			if tt.expectedStatus == http.StatusCreated {
				var instance models.Instance
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&instance))
				assert.NotEmpty(t, instance.ID)
				assert.Equal(t, "PHONE_ENTERED", instance.CurrentState)
				assert.Equal(t, models.InstanceStatusActive, instance.Status)
			}
		})
	}
}

func TestHandleAction(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)
	instance := createTestInstance(t, app)

	resp := postJSON(t, app, "/instances/"+instance.ID+"/actions", map[string]string{
		"action":     "NEXT",
		"actor":      "USER",
		"request_id": "req-next-1",
	})

	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result onboarding.ActionResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "DONE", result.State)
}

func TestHandleActionErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		action         string
		actor          string
		expectedStatus int
		expectedType   string
	}{
		{
			name:           "undefined transition",
			action:         "TELEPORT",
			actor:          "USER",
			expectedStatus: http.StatusUnprocessableEntity,
			expectedType:   "invalid_transition",
		},
		{
			name:           "actor not allowed",
			action:         "NEXT",
			actor:          "EXTERNAL",
			expectedStatus: http.StatusForbidden,
			expectedType:   "forbidden_actor",
		},
		{
			name:           "unknown actor",
			action:         "NEXT",
			actor:          "ROBOT",
			expectedStatus: http.StatusBadRequest,
			expectedType:   "validation_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app, _ := setupTestApp(t)
			instance := createTestInstance(t, app)

			resp := postJSON(t, app, "/instances/"+instance.ID+"/actions", map[string]string{
				"action":     tt.action,
				"actor":      tt.actor,
				"request_id": "req-err-1",
			})

			defer func() { _ = resp.Body.Close() }()

			assert.Equal(t, tt.expectedStatus, resp.StatusCode)

			var problem struct {
				Type string `json:"type"`
			}

			require.NoError(t, json.NewDecoder(resp.Body).Decode(&problem))
			assert.Equal(t, tt.expectedType, problem.Type)
		})
	}
}

func TestHandleActionOnFinishedInstanceConflicts(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)
	instance := createTestInstance(t, app)

	resp := postJSON(t, app, "/instances/"+instance.ID+"/actions", map[string]string{
		"action":     "NEXT",
		"actor":      "USER",
		"request_id": "req-next-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = postJSON(t, app, "/instances/"+instance.ID+"/actions", map[string]string{
		"action":     "NEXT",
		"actor":      "USER",
		"request_id": "req-next-2",
	})

	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestGetInstance(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)
	instance := createTestInstance(t, app)

	resp := getJSON(t, app, "/instances/"+instance.ID)

	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var fetched models.Instance
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fetched))
	assert.Equal(t, instance.ID, fetched.ID)
	assert.Equal(t, "PHONE_ENTERED", fetched.CurrentState)
}

func TestGetInstanceNotFound(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp := getJSON(t, app, "/instances/missing")

	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetEvents(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)
	instance := createTestInstance(t, app)

	resp := getJSON(t, app, "/instances/"+instance.ID+"/events")

	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var response struct {
		InstanceID string                  `json:"instance_id"`
		Events     []*models.WorkflowEvent `json:"events"`
	}

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&response))
	assert.Equal(t, instance.ID, response.InstanceID)
	require.NotEmpty(t, response.Events)
	assert.Equal(t, models.EventActionReceived, response.Events[0].EventType)
}

func TestCompensateInstance(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)
	instance := createTestInstance(t, app)

	resp := postJSON(t, app, "/instances/"+instance.ID+"/compensate", map[string]string{
		"reason": "kyc provider rejected",
	})

	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var fetched models.Instance
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fetched))
	assert.Equal(t, instance.ID, fetched.ID)
}

func TestReplayInstance(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)
	instance := createTestInstance(t, app)

	resp := postJSON(t, app, "/instances/"+instance.ID+"/replay", map[string]string{})

	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result engine.ReplayResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.True(t, result.Consistent)
	assert.Equal(t, "PHONE_ENTERED", result.FinalState)
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp := getJSON(t, app, "/health")

	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status string `json:"status"`
	}

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
}
