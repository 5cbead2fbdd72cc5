// Package web provides the HTTP surface for driving onboarding instances.
package web

import (
	"net/http"

	"github.com/gofiber/fiber/v3"

	"github.com/onwardhq/onward/pkg/onboarding"
)

type APIHandlers struct {
	service *onboarding.Service
}

func NewAPIHandlers(service *onboarding.Service) *APIHandlers {
	return &APIHandlers{service: service}
}

func (h *APIHandlers) CreateInstance(c fiber.Ctx) error {
	var req onboarding.StartRequest

	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	instance, err := h.service.Start(c.Context(), &req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(instance)
}

type actionBody struct {
	Action    string `json:"action"`
	Actor     string `json:"actor"`
	RequestID string `json:"request_id"`
}

func (h *APIHandlers) HandleAction(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	var body actionBody

	if err := c.Bind().JSON(&body); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	result, err := h.service.HandleAction(c.Context(), &onboarding.ActionRequest{
		InstanceID: id,
		Action:     body.Action,
		Actor:      body.Actor,
		RequestID:  body.RequestID,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) GetInstance(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	instance, err := h.service.Instance(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(instance)
}

func (h *APIHandlers) GetEvents(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	events, err := h.service.Events(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"instance_id": id,
		"events":      events,
	})
}

type compensateBody struct {
	Reason string `json:"reason"`
}

func (h *APIHandlers) CompensateInstance(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	var body compensateBody

	if err := c.Bind().JSON(&body); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if body.Reason == "" {
		body.Reason = "operator requested compensation"
	}

	err := h.service.Compensate(c.Context(), id, body.Reason)
	if err != nil {
		return handleServiceError(c, err)
	}

	instance, err := h.service.Instance(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(instance)
}

func (h *APIHandlers) ReplayInstance(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	result, err := h.service.Replay(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "Onward API is healthy"
	httpStatus := http.StatusOK

	err := h.service.Healthy(c.Context())
	if err != nil {
		status = "unhealthy"
		message = err.Error()
		httpStatus = http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"message":   message,
		"admission": h.service.AdmissionStats(),
	})
}
