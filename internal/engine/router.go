package engine

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"
)

// RegisterDynamicRoutes mounts the generic CRUD routes under /api. Any
// middleware passed in runs before the handlers on these routes only, so
// auth can be applied here without touching /health or /api/auth.
func RegisterDynamicRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	api := app.Group("/api")
	for _, mw := range middleware {
		api.Use(mw)
	}

	api.Get("/:entity", h.List)
	api.Get("/:entity/:id", h.GetByID)
	api.Post("/:entity", h.Create)
	api.Put("/:entity/:id", h.Update)
	api.Delete("/:entity/:id", h.Delete)
}

// ErrorHandler renders every error that escapes a handler as the standard
// error envelope. AppErrors keep their code and status; anything else is
// logged and hidden behind a 500.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(ErrorResponse{
			Error: NewAppError("HTTP_ERROR", fiberErr.Code, fiberErr.Message),
		})
	}

	log.Printf("ERROR: %v", err)
	return c.Status(500).JSON(ErrorResponse{
		Error: NewAppError("INTERNAL_ERROR", 500, "Internal server error"),
	})
}
