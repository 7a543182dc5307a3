package auth

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"permgate/internal/engine"
	"permgate/internal/instrument"
	"permgate/internal/metadata"
	"permgate/internal/token"
)

const (
	UserKey    = "user"
	PayloadKey = "payload"
)

// TokenCodec is the part of *token.Codec the HTTP layer uses.
type TokenCodec interface {
	Sign(p token.Payload, opts token.Options) (string, error)
	Verify(tok string, opts token.Options) (*token.Payload, error)
	Encrypt(p token.Payload, opts token.Options) (string, error)
	Decrypt(tok string, opts token.Options) (*token.Payload, error)
	Capabilities() token.Capabilities
	DefaultExpiration() time.Duration
}

// Guard turns capability tokens into request identities and enforces route
// requirements against them.
type Guard struct {
	codec         TokenCodec
	verifier      *engine.Verifier
	recorder      instrument.Recorder
	logger        *slog.Logger
	exposeMissing bool
}

type GuardOption func(*Guard)

func WithRecorder(r instrument.Recorder) GuardOption {
	return func(g *Guard) { g.recorder = r }
}

func WithLogger(l *slog.Logger) GuardOption {
	return func(g *Guard) { g.logger = l }
}

// WithExposeMissing includes the missing-permission detail in 403 bodies.
func WithExposeMissing(expose bool) GuardOption {
	return func(g *Guard) { g.exposeMissing = expose }
}

func NewGuard(codec TokenCodec, verifier *engine.Verifier, opts ...GuardOption) *Guard {
	g := &Guard{codec: codec, verifier: verifier, recorder: instrument.NoopRecorder{}}
	for _, o := range opts {
		o(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.verifier == nil {
		g.verifier = engine.NewVerifier(engine.WithLogger(g.logger))
	}
	return g
}

// Authenticate returns a Fiber middleware that reads the bearer token and
// sets the UserContext on the request. A token that fails any check is
// rejected; it never degrades to an empty grant.
func (g *Guard) Authenticate(opts Options) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		if header == "" {
			if opts.RequireCurrentUser {
				return engine.UnauthorizedError("Missing auth token")
			}
			return c.Next()
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return engine.UnauthorizedError("Invalid auth header format")
		}
		raw := strings.TrimSpace(parts[1])

		var (
			payload *token.Payload
			err     error
		)
		switch {
		case strings.Count(raw, ".") == 4:
			payload, err = g.codec.Decrypt(raw, opts.tokenOptions())
		case opts.RequireTrustedToken:
			return engine.UnauthorizedError("Encrypted token required")
		default:
			payload, err = g.codec.Verify(raw, opts.tokenOptions())
		}
		if err != nil {
			g.logger.Warn("capability token rejected", "path", c.Path(), "error", err)
			return engine.UnauthorizedError("Invalid or expired token")
		}

		c.Locals(UserKey, payload.UserContext())
		if opts.Denormalize {
			c.Locals(PayloadKey, payload)
		}
		return c.Next()
	}
}

// ResourceFunc extracts the resource id an individual requirement is
// evaluated against.
type ResourceFunc func(c *fiber.Ctx) string

// ParamResource reads the resource id from a route parameter.
func ParamResource(name string) ResourceFunc {
	return func(c *fiber.Ctx) string { return c.Params(name) }
}

// BodyResource reads the resource id from a top-level string field of the
// JSON request body.
func BodyResource(field string) ResourceFunc {
	return func(c *fiber.Ctx) string {
		var body map[string]any
		if err := json.Unmarshal(c.Body(), &body); err != nil {
			return ""
		}
		s, _ := body[field].(string)
		return s
	}
}

// Require returns a Fiber middleware that denies the request unless the
// caller's grants cover route.Required.
func (g *Guard) Require(route *metadata.Route, resource ResourceFunc) fiber.Handler {
	return func(c *fiber.Ctx) error {
		user := GetUser(c)
		var resourceID string
		if resource != nil {
			resourceID = resource(c)
		}

		if route == nil || route.Required.IsEmpty() {
			g.logger.Error("route has no requirement, denying", "path", c.Path())
			return engine.ForbiddenError("Route is not configured")
		}
		missing := g.verifier.MissingPermissions(user.Grants(), route.Required, user, resourceID)
		decision := engine.Decide(missing)

		d := instrument.Decision{
			Route:      route.Name,
			ResourceID: resourceID,
			Allowed:    decision.Valid,
			Missing:    missing,
		}
		if user != nil {
			d.UserID = user.ID
			d.LoggedInAsID = user.LoggedInAsID
		}
		g.recorder.Record(d)

		if decision.Valid {
			return c.Next()
		}

		detail, _ := json.Marshal(missing)
		g.logger.Info("permission denied",
			"route", route.Name,
			"user_id", d.UserID,
			"resource_id", resourceID,
			"missing", string(detail),
		)
		if g.exposeMissing {
			return decision.Error
		}
		return deniedError()
	}
}

// deniedError is the denial returned when missing detail stays server-side.
func deniedError() *engine.AppError {
	return engine.NewAppError("PERMISSION_DENIED", fiber.StatusForbidden, "Missing required permissions")
}

// GetUser extracts the UserContext from a Fiber context.
func GetUser(c *fiber.Ctx) *metadata.UserContext {
	user, _ := c.Locals(UserKey).(*metadata.UserContext)
	return user
}

// GetPayload returns the decoded token payload of a route authenticated
// with Denormalize.
func GetPayload(c *fiber.Ctx) *token.Payload {
	p, _ := c.Locals(PayloadKey).(*token.Payload)
	return p
}
