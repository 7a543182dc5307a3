package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/gofiber/fiber/v2"

	"permgate/internal/engine"
	"permgate/internal/metadata"
	"permgate/internal/schema"
	"permgate/internal/store"
	"permgate/internal/token"
)

// LoginAsRoute is the requirement name of the delegation endpoint.
const LoginAsRoute = "login-as"

// ProfileSource loads the stored grants of a user.
type ProfileSource interface {
	Permissions(ctx context.Context, userID string) (*metadata.Node, error)
}

// DefaultLoginAsRequirement is used when no login-as route is declared: the
// caller must hold transaction get on the target user through loginAs.
func DefaultLoginAsRequirement() *metadata.Route {
	return &metadata.Route{
		Name: LoginAsRoute,
		Required: metadata.NewNode().Set("user", metadata.NewNode().
			Set("loginAs", metadata.NewNode().
				Set(metadata.KeywordIndividual, metadata.NewNode().
					Set("transaction", metadata.NewNode(metadata.ActionGet))))),
	}
}

// Handler serves delegation, ad-hoc checks and the capability report.
type Handler struct {
	codec         TokenCodec
	profiles      ProfileSource
	verifier      *engine.Verifier
	logger        *slog.Logger
	exposeMissing bool
}

type HandlerOption func(*Handler)

// WithMissingDetail includes the missing permissions in denied check
// decisions. Without it they are only logged.
func WithMissingDetail(expose bool) HandlerOption {
	return func(h *Handler) { h.exposeMissing = expose }
}

// NewHandler creates a Handler. A nil profiles source disables delegation.
func NewHandler(codec TokenCodec, profiles ProfileSource, verifier *engine.Verifier, logger *slog.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if verifier == nil {
		verifier = engine.NewVerifier(engine.WithLogger(logger))
	}
	h := &Handler{codec: codec, profiles: profiles, verifier: verifier, logger: logger}
	for _, o := range opts {
		o(h)
	}
	return h
}

// decide runs a check for the caller and strips the missing detail from a
// denial unless it is exposed.
func (h *Handler) decide(c *fiber.Ctx, route string, required *metadata.Node, resourceID string) engine.Decision {
	user := GetUser(c)
	d := h.verifier.Check(user, required, resourceID)
	if d.Valid || h.exposeMissing {
		return d
	}
	attrs := []any{"route", route, "resource_id", resourceID}
	if user != nil {
		attrs = append(attrs, "user_id", user.ID)
	}
	if d.Error.Data != nil {
		detail, _ := json.Marshal(d.Error.Data.Errors)
		attrs = append(attrs, "missing", string(detail))
	}
	h.logger.Info("check denied", attrs...)
	return engine.Decision{Error: deniedError()}
}

// LoginAs handles POST /api/auth/login-as. It mints a token for the target
// user that records the caller as the acting administrator.
func (h *Handler) LoginAs(c *fiber.Ctx) error {
	if h.profiles == nil {
		return engine.ServiceUnavailableError("DELEGATION_DISABLED", "Delegation requires the profile store")
	}
	caller := GetUser(c)
	if caller == nil {
		return engine.UnauthorizedError("Missing auth token")
	}
	if caller.IsDelegated() {
		return engine.ForbiddenError("Delegated sessions cannot start another delegation")
	}

	var body struct {
		UserID string `json:"userId"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", fiber.StatusBadRequest, "Invalid request body")
	}
	if body.UserID == "" {
		return engine.ValidationError([]engine.ErrorDetail{{Field: "userId", Rule: "required", Message: "userId is required"}})
	}

	perms, err := h.profiles.Permissions(c.UserContext(), body.UserID)
	switch {
	case errors.Is(err, store.ErrInvalidUserID):
		return engine.ValidationError([]engine.ErrorDetail{{Field: "userId", Rule: "uuid", Message: "userId must be a UUID"}})
	case errors.Is(err, store.ErrNotFound):
		return engine.NotFoundError("user", body.UserID)
	case err != nil:
		return err
	}

	payload := token.NewPayload(body.UserID, perms).LoggedInAs(caller.ID)
	caps := h.codec.Capabilities()

	var (
		signed string
		format string
	)
	switch {
	case caps.Encrypt:
		signed, err = h.codec.Encrypt(payload, token.Options{})
		format = "jwe"
	case caps.Sign:
		signed, err = h.codec.Sign(payload, token.Options{})
		format = "jws"
	default:
		return engine.ServiceUnavailableError("DELEGATION_DISABLED", "No token key material configured")
	}
	if err != nil {
		if errors.Is(err, token.ErrDisabled) {
			return engine.ServiceUnavailableError("DELEGATION_DISABLED", "No token key material configured")
		}
		return err
	}

	h.logger.Info("delegated session issued",
		"admin_id", caller.ID,
		"user_id", body.UserID,
		"format", format,
	)
	return c.JSON(fiber.Map{"data": fiber.Map{
		"token":      signed,
		"format":     format,
		"expires_in": int(h.codec.DefaultExpiration().Seconds()),
	}})
}

// Check handles POST /api/permissions/check: evaluates an ad-hoc requirement
// against the caller's grants. customCheck expressions in the body are never
// compiled, so a requirement carrying one is always denied.
func (h *Handler) Check(c *fiber.Ctx) error {
	var body struct {
		RequiredPermissions *metadata.Node `json:"requiredPermissions"`
		ResourceID          string         `json:"resourceId"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", fiber.StatusBadRequest, "Invalid request body")
	}
	if body.RequiredPermissions.IsEmpty() {
		return engine.ValidationError([]engine.ErrorDetail{{
			Field: "requiredPermissions", Rule: "required", Message: "requiredPermissions must be a non-empty object",
		}})
	}

	return c.JSON(h.decide(c, "check", body.RequiredPermissions, body.ResourceID))
}

// Capabilities handles GET /api/token/capabilities.
func (h *Handler) Capabilities(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.codec.Capabilities()})
}

// RegisterRoutes registers the permgate API on app. routes supplies the
// declared requirements; login-as falls back to DefaultLoginAsRequirement.
func RegisterRoutes(app *fiber.App, h *Handler, g *Guard, routes map[string]*metadata.Route) error {
	loginAs, ok := routes[LoginAsRoute]
	if !ok {
		loginAs = DefaultLoginAsRequirement()
	}
	opts, err := ParseOptions(loginAs.Options)
	if err != nil {
		return err
	}
	opts.RequireCurrentUser = true

	api := app.Group("/api")
	api.Post("/auth/login-as", g.Authenticate(opts), g.Require(loginAs, BodyResource("userId")), h.LoginAs)
	api.Post("/permissions/check", g.Authenticate(Options{}), h.Check)
	api.Get("/token/capabilities", h.Capabilities)

	names := make([]string, 0, len(routes))
	for name := range routes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r := routes[name]
		ropts, err := ParseOptions(r.Options)
		if err != nil {
			return fmt.Errorf("route %s: %w", name, err)
		}
		api.Post("/permissions/routes/"+name, g.Authenticate(ropts), h.CheckRoute(r))
	}
	return nil
}

// CheckRoute evaluates a declared route requirement for the caller against
// the resourceId in the request body and returns the decision object.
func (h *Handler) CheckRoute(r *metadata.Route) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body struct {
			ResourceID string `json:"resourceId"`
		}
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&body); err != nil {
				return engine.NewAppError("INVALID_PAYLOAD", fiber.StatusBadRequest, "Invalid request body")
			}
		}
		return c.JSON(h.decide(c, r.Name, r.Required, body.ResourceID))
	}
}

// ErrorHandler renders AppErrors as {"error": {...}} and everything else as
// a 500 without detail.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError

		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			code = fiberErr.Code
		}

		var appErr *engine.AppError
		if errors.As(err, &appErr) {
			return c.Status(appErr.Status).JSON(engine.ErrorResponse{Error: appErr})
		}

		if errors.Is(err, schema.ErrValidation) {
			logger.Error("token payload rejected", "path", c.Path(), "error", err)
		} else if code == fiber.StatusInternalServerError {
			logger.Error("request failed", "path", c.Path(), "error", err)
		}
		return c.Status(code).JSON(engine.ErrorResponse{
			Error: &engine.AppError{
				Code:    "INTERNAL_ERROR",
				Message: "Internal server error",
			},
		})
	}
}
