package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/papercomputeco/mnemo/pkg/storage"
)

// ErrorResponse is the JSON body returned on any handler error.
type ErrorResponse struct {
	Error string `json:"error"`
}

// fail maps a typed storage error to its HTTP status and writes the
// error body.
func fail(c *fiber.Ctx, err error) error {
	var (
		validation storage.ValidationError
		notFound   storage.NotFoundError
		permission storage.PermissionError
		integrity  storage.DataIntegrityError
		transient  storage.TransientError
	)

	status := fiber.StatusInternalServerError
	switch {
	case errors.As(err, &validation):
		status = fiber.StatusBadRequest
	case errors.As(err, &notFound):
		status = fiber.StatusNotFound
	case errors.As(err, &permission):
		status = fiber.StatusForbidden
	case errors.As(err, &transient):
		status = fiber.StatusServiceUnavailable
	case errors.As(err, &integrity):
		status = fiber.StatusInternalServerError
	}

	return c.Status(status).JSON(ErrorResponse{Error: err.Error()})
}
