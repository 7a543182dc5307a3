package admin

import (
	"sort"

	"github.com/gofiber/fiber/v2"

	"permgate/internal/auth"
	"permgate/internal/engine"
	"permgate/internal/metadata"
)

// Route is the requirement name guarding the admin endpoints.
const Route = "admin"

// DefaultRequirement is used when routes.yaml declares no admin route.
func DefaultRequirement() *metadata.Route {
	return &metadata.Route{
		Name:     Route,
		Required: metadata.NewNode().Set("user", metadata.NewNode(metadata.ActionGet)),
	}
}

type routeView struct {
	Name     string         `json:"name"`
	Options  map[string]any `json:"options,omitempty"`
	Required *metadata.Node `json:"required"`
}

// Handler exposes the loaded registry and route declarations read-only.
type Handler struct {
	registry *metadata.Registry
	routes   map[string]*metadata.Route
}

func NewHandler(reg *metadata.Registry, routes map[string]*metadata.Route) *Handler {
	return &Handler{registry: reg, routes: routes}
}

func RegisterAdminRoutes(app *fiber.App, h *Handler, g *auth.Guard) error {
	required, ok := h.routes[Route]
	if !ok {
		required = DefaultRequirement()
	}
	opts, err := auth.ParseOptions(required.Options)
	if err != nil {
		return err
	}
	opts.RequireCurrentUser = true

	admin := app.Group("/api/_admin", g.Authenticate(opts), g.Require(required, nil))

	admin.Get("/entities", h.ListEntities)
	admin.Get("/entities/:name", h.GetEntity)
	admin.Get("/routes", h.ListRoutes)
	admin.Get("/routes/:name", h.GetRoute)
	return nil
}

// --- Entity Endpoints ---

func (h *Handler) ListEntities(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.registry.Entities()})
}

func (h *Handler) GetEntity(c *fiber.Ctx) error {
	name := c.Params("name")
	def := h.registry.GetEntity(name)
	if def == nil {
		return engine.NotFoundError("entity", name)
	}
	return c.JSON(fiber.Map{"data": def})
}

// --- Route Endpoints ---

func (h *Handler) ListRoutes(c *fiber.Ctx) error {
	names := make([]string, 0, len(h.routes))
	for name := range h.routes {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([]routeView, 0, len(names))
	for _, name := range names {
		rows = append(rows, view(name, h.routes[name]))
	}
	return c.JSON(fiber.Map{"data": rows})
}

func (h *Handler) GetRoute(c *fiber.Ctx) error {
	name := c.Params("name")
	r, ok := h.routes[name]
	if !ok {
		return engine.NotFoundError("route", name)
	}
	return c.JSON(fiber.Map{"data": view(name, r)})
}

func view(name string, r *metadata.Route) routeView {
	return routeView{Name: name, Options: r.Options, Required: r.Required}
}
