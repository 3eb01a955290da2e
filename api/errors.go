package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/papercomputeco/chatproxy/pkg/chat"
	"github.com/papercomputeco/chatproxy/pkg/storage"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

const (
	statusSuccess = "success"
	statusError   = "error"

	// statusClientClosed is nginx's "client closed request".
	statusClientClosed = 499
)

// describe maps a domain error to its HTTP status and client-facing message.
func describe(err error) (int, string) {
	var (
		validation chat.ValidationError
		index      chat.InvalidIndexError
		invalidID  storage.InvalidIDError
		notFound   storage.NotFoundError
		conflict   storage.ConflictError
	)

	switch {
	case errors.As(err, &index):
		return fiber.StatusBadRequest, "Invalid message index"
	case errors.As(err, &validation), errors.As(err, &invalidID):
		return fiber.StatusBadRequest, err.Error()
	case errors.As(err, &notFound):
		return fiber.StatusNotFound, fmt.Sprintf("Chat '%s' not found", notFound.ID)
	case errors.As(err, &conflict):
		return fiber.StatusConflict, fmt.Sprintf("Chat '%s' already exists", conflict.ID)
	case errors.Is(err, context.Canceled):
		return statusClientClosed, err.Error()
	default:
		return fiber.StatusInternalServerError, err.Error()
	}
}

// errorResponse writes the error envelope for err, logging server faults.
func (s *Server) errorResponse(c *fiber.Ctx, err error) error {
	status, message := describe(err)
	if status >= fiber.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", c.Method(),
			"path", c.Path(),
			"error", err,
		)
	}
	return c.Status(status).JSON(ErrorResponse{Status: statusError, Message: message})
}

// badRequest writes a 400 with message.
func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Status: statusError, Message: message})
}
