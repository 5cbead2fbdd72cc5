package web

import (
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/onwardhq/onward/pkg/engine"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError maps typed engine failures onto RFC 7807 responses.
func handleServiceError(c fiber.Ctx, err error) error {
	kind, ok := engine.KindOf(err)
	if !ok {
		return internalError(c, err)
	}

	switch kind {
	case engine.KindNotFound:
		return notFound(c, "instance not found")

	case engine.KindInvalidCommand:
		return badRequest(c, err.Error())

	case engine.KindInvalidTransition:
		problem := problems.NewStatusProblem(422).
			WithInstance(c.Path()).
			WithType("invalid_transition").
			WithDetail(err.Error())

		return c.Status(fiber.StatusUnprocessableEntity).JSON(problem)

	case engine.KindForbiddenActor:
		problem := problems.NewStatusProblem(403).
			WithInstance(c.Path()).
			WithType("forbidden_actor").
			WithDetail(err.Error())

		return c.Status(fiber.StatusForbidden).JSON(problem)

	case engine.KindTerminalState:
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("terminal_state").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	case engine.KindConcurrencyExhausted:
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("concurrency_conflict").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	case engine.KindOverloaded:
		c.Set(fiber.HeaderRetryAfter, "1")

		problem := problems.NewStatusProblem(429).
			WithInstance(c.Path()).
			WithType("overloaded").
			WithDetail(err.Error())

		return c.Status(fiber.StatusTooManyRequests).JSON(problem)

	default:
		return internalError(c, err)
	}
}
