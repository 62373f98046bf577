package engine

import "github.com/gofiber/fiber/v2"

// RegisterDynamicRoutes adds the generic entity CRUD routes.
// Must be registered LAST — the :entity pattern is a catch-all.
func RegisterDynamicRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	api := app.Group("/api", middleware...)

	api.Get("/:entity", h.List)
	api.Get("/:entity/:id", h.GetByID)
	api.Post("/:entity", h.Create)
	api.Put("/:entity/:id", h.Update)
	api.Delete("/:entity/:id", h.Delete)
}
