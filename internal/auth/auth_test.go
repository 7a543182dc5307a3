package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permgate/internal/engine"
	"permgate/internal/instrument"
	"permgate/internal/metadata"
	"permgate/internal/store"
	"permgate/internal/token"
)

const (
	adminID  = "0e9d2b7a-1c34-4f0e-8b6d-7a2f5c9e4d10"
	targetID = "5a1f6c1e-4d8b-4b4e-9a51-0c2d9f3e7b11"

	adminJWS    = "admin.jws.token"
	sellerJWS   = "seller.jws.token"
	delegateJWE = "delegate.jwe.a.b.c"
)

type fakeCodec struct {
	caps   token.Capabilities
	tokens map[string]*token.Payload
	issued []token.Payload
}

func (f *fakeCodec) Sign(p token.Payload, _ token.Options) (string, error) {
	if !f.caps.Sign {
		return "", token.ErrDisabled
	}
	f.issued = append(f.issued, p)
	return "issued.jws.token", nil
}

func (f *fakeCodec) Encrypt(p token.Payload, _ token.Options) (string, error) {
	if !f.caps.Encrypt {
		return "", token.ErrDisabled
	}
	f.issued = append(f.issued, p)
	return "issued.jwe.a.b.c", nil
}

func (f *fakeCodec) Verify(raw string, _ token.Options) (*token.Payload, error) {
	if p, ok := f.tokens[raw]; ok {
		return p, nil
	}
	return nil, token.ErrInvalidSignature
}

func (f *fakeCodec) Decrypt(raw string, opts token.Options) (*token.Payload, error) {
	return f.Verify(raw, opts)
}

func (f *fakeCodec) Capabilities() token.Capabilities { return f.caps }
func (f *fakeCodec) DefaultExpiration() time.Duration { return time.Hour }

type fakeProfiles map[string]*metadata.Node

func (f fakeProfiles) Permissions(_ context.Context, userID string) (*metadata.Node, error) {
	if userID == "not-a-uuid" {
		return nil, store.ErrInvalidUserID
	}
	n, ok := f[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return n, nil
}

type memRecorder struct {
	mu        sync.Mutex
	decisions []instrument.Decision
}

func (r *memRecorder) Record(d instrument.Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
}

func mustNode(t *testing.T, src string) *metadata.Node {
	t.Helper()
	n, err := metadata.ParseNode([]byte(src))
	require.NoError(t, err)
	return n
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCodec(t *testing.T) *fakeCodec {
	admin := token.NewPayload(adminID, mustNode(t, `{
		"user": {"loginAs": {"all": {"transaction": {"permissions": ["get"]}}}},
		"listing": {"permissions": ["get", "update"]}
	}`))
	seller := token.NewPayload(targetID, mustNode(t, `{"listing": {"permissions": ["get"]}}`))
	delegated := token.NewPayload(targetID, admin.Permissions()).LoggedInAs(adminID)
	return &fakeCodec{
		caps: token.Capabilities{Sign: true, Verify: true, Encrypt: true, Decrypt: true},
		tokens: map[string]*token.Payload{
			adminJWS:    &admin,
			sellerJWS:   &seller,
			delegateJWE: &delegated,
		},
	}
}

type fixture struct {
	app      *fiber.App
	codec    *fakeCodec
	recorder *memRecorder
}

func newFixture(t *testing.T, profiles ProfileSource, guardOpts ...GuardOption) *fixture {
	t.Helper()
	codec := newCodec(t)
	rec := &memRecorder{}
	logger := quietLogger()

	guard := NewGuard(codec, nil, append([]GuardOption{WithRecorder(rec), WithLogger(logger)}, guardOpts...)...)
	h := NewHandler(codec, profiles, nil, logger, WithMissingDetail(true))

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logger)})
	require.NoError(t, RegisterRoutes(app, h, guard, nil))

	update := &metadata.Route{Name: "update-listing", Required: mustNode(t, `{"listing": {"permissions": ["update"]}}`)}
	app.Put("/listings/:id", guard.Authenticate(Options{}), guard.Require(update, ParamResource("id")), func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"updated": c.Params("id")})
	})
	app.Get("/whoami", guard.Authenticate(Options{Denormalize: true}), func(c *fiber.Ctx) error {
		user := GetUser(c)
		if user == nil {
			return c.JSON(fiber.Map{"anonymous": true})
		}
		return c.JSON(fiber.Map{"id": user.ID, "delegated": user.IsDelegated(), "payload": GetPayload(c) != nil})
	})
	app.Get("/trusted", guard.Authenticate(Options{RequireCurrentUser: true, RequireTrustedToken: true}), func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"id": GetUser(c).ID})
	})

	return &fixture{app: app, codec: codec, recorder: rec}
}

func (f *fixture) do(t *testing.T, method, path, bearer string, body any) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, path, r)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t, fakeProfiles{})

	status, body := f.do(t, "GET", "/whoami", "", nil)
	assert.Equal(t, 200, status)
	assert.Equal(t, true, body["anonymous"])

	status, body = f.do(t, "GET", "/whoami", adminJWS, nil)
	assert.Equal(t, 200, status)
	assert.Equal(t, adminID, body["id"])
	assert.Equal(t, false, body["delegated"])
	assert.Equal(t, true, body["payload"])

	status, body = f.do(t, "GET", "/whoami", delegateJWE, nil)
	assert.Equal(t, 200, status)
	assert.Equal(t, true, body["delegated"])

	status, body = f.do(t, "GET", "/whoami", "forged.jws.token", nil)
	assert.Equal(t, 401, status)
	assert.Equal(t, "UNAUTHORIZED", errorCode(body))
}

func TestAuthenticate_HeaderFormat(t *testing.T) {
	f := newFixture(t, fakeProfiles{})
	req, err := http.NewRequest("GET", "/whoami", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestAuthenticate_TrustedTokenRequired(t *testing.T) {
	f := newFixture(t, fakeProfiles{})

	status, _ := f.do(t, "GET", "/trusted", "", nil)
	assert.Equal(t, 401, status)

	status, _ = f.do(t, "GET", "/trusted", adminJWS, nil)
	assert.Equal(t, 401, status)

	status, body := f.do(t, "GET", "/trusted", delegateJWE, nil)
	assert.Equal(t, 200, status)
	assert.Equal(t, targetID, body["id"])
}

func TestRequire(t *testing.T) {
	f := newFixture(t, fakeProfiles{})

	status, body := f.do(t, "PUT", "/listings/l-1", adminJWS, nil)
	assert.Equal(t, 200, status)
	assert.Equal(t, "l-1", body["updated"])

	status, body = f.do(t, "PUT", "/listings/l-1", sellerJWS, nil)
	assert.Equal(t, 403, status)
	assert.Equal(t, "PERMISSION_DENIED", errorCode(body))
	assert.NotContains(t, body["error"], "data")

	status, _ = f.do(t, "PUT", "/listings/l-1", "", nil)
	assert.Equal(t, 403, status)

	require.Len(t, f.recorder.decisions, 3)
	assert.True(t, f.recorder.decisions[0].Allowed)
	assert.Equal(t, "update-listing", f.recorder.decisions[0].Route)
	assert.Equal(t, "l-1", f.recorder.decisions[0].ResourceID)
	assert.False(t, f.recorder.decisions[1].Allowed)
	assert.Equal(t, targetID, f.recorder.decisions[1].UserID)
	assert.Empty(t, f.recorder.decisions[2].UserID)
}

func TestRequire_ExposeMissing(t *testing.T) {
	f := newFixture(t, fakeProfiles{}, WithExposeMissing(true))

	status, body := f.do(t, "PUT", "/listings/l-1", sellerJWS, nil)
	assert.Equal(t, 403, status)
	e := body["error"].(map[string]any)
	assert.Equal(t, map[string]any{
		"errors": []any{map[string]any{"listing": []any{"update"}}},
	}, e["data"])
}

func TestLoginAs(t *testing.T) {
	profiles := fakeProfiles{targetID: mustNode(t, `{"listing": {"permissions": ["get"]}}`)}
	f := newFixture(t, profiles)

	status, body := f.do(t, "POST", "/api/auth/login-as", adminJWS, fiber.Map{"userId": targetID})
	require.Equal(t, 200, status, body)
	data := body["data"].(map[string]any)
	assert.Equal(t, "jwe", data["format"])
	assert.Equal(t, "issued.jwe.a.b.c", data["token"])
	assert.EqualValues(t, 3600, data["expires_in"])

	require.Len(t, f.codec.issued, 1)
	issued := f.codec.issued[0]
	uc := issued.UserContext()
	assert.Equal(t, targetID, uc.ID)
	assert.Equal(t, adminID, uc.LoggedInAsID)
	assert.Equal(t, []string{"listing"}, uc.Grants().Keys())
}

func TestLoginAs_SignsWhenEncryptionDisabled(t *testing.T) {
	f := newFixture(t, fakeProfiles{targetID: metadata.NewNode()})
	f.codec.caps.Encrypt = false

	status, body := f.do(t, "POST", "/api/auth/login-as", adminJWS, fiber.Map{"userId": targetID})
	require.Equal(t, 200, status, body)
	assert.Equal(t, "jws", body["data"].(map[string]any)["format"])
}

func TestLoginAs_Rejections(t *testing.T) {
	profiles := fakeProfiles{targetID: metadata.NewNode(), adminID: metadata.NewNode()}

	tests := []struct {
		name   string
		bearer string
		body   any
		setup  func(f *fixture)
		status int
		code   string
	}{
		{name: "no token", body: fiber.Map{"userId": targetID}, status: 401, code: "UNAUTHORIZED"},
		{name: "caller lacks loginAs", bearer: sellerJWS, body: fiber.Map{"userId": adminID}, status: 403, code: "PERMISSION_DENIED"},
		{name: "delegated caller", bearer: delegateJWE, body: fiber.Map{"userId": targetID}, status: 403, code: "FORBIDDEN"},
		{name: "missing user id", bearer: adminJWS, body: fiber.Map{}, status: 422, code: "VALIDATION_FAILED"},
		{name: "malformed user id", bearer: adminJWS, body: fiber.Map{"userId": "not-a-uuid"}, status: 422, code: "VALIDATION_FAILED"},
		{name: "unknown user", bearer: adminJWS, body: fiber.Map{"userId": "9b2e4c1a-0000-4000-8000-000000000000"}, status: 404, code: "NOT_FOUND"},
		{
			name: "no key material", bearer: adminJWS, body: fiber.Map{"userId": targetID},
			setup:  func(f *fixture) { f.codec.caps = token.Capabilities{Verify: true, Decrypt: true} },
			status: 503, code: "DELEGATION_DISABLED",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, profiles)
			if tt.setup != nil {
				tt.setup(f)
			}
			status, body := f.do(t, "POST", "/api/auth/login-as", tt.bearer, tt.body)
			assert.Equal(t, tt.status, status, body)
			assert.Equal(t, tt.code, errorCode(body))
			assert.Empty(t, f.codec.issued)
		})
	}
}

func TestLoginAs_WithoutProfileStore(t *testing.T) {
	f := newFixture(t, nil)
	status, body := f.do(t, "POST", "/api/auth/login-as", adminJWS, fiber.Map{"userId": targetID})
	assert.Equal(t, 503, status)
	assert.Equal(t, "DELEGATION_DISABLED", errorCode(body))
}

func TestCheckEndpoint(t *testing.T) {
	f := newFixture(t, fakeProfiles{})

	status, body := f.do(t, "POST", "/api/permissions/check", adminJWS, fiber.Map{
		"requiredPermissions": fiber.Map{"listing": fiber.Map{"permissions": []string{"update"}}},
	})
	assert.Equal(t, 200, status)
	assert.Equal(t, true, body["valid"])

	status, body = f.do(t, "POST", "/api/permissions/check", sellerJWS, fiber.Map{
		"requiredPermissions": fiber.Map{"listing": fiber.Map{"permissions": []string{"get", "delete"}}},
	})
	assert.Equal(t, 200, status)
	assert.Nil(t, body["valid"])
	e := body["error"].(map[string]any)
	assert.Equal(t, "PERMISSION_DENIED", e["code"])
	assert.Equal(t, []any{map[string]any{"listing": []any{"delete"}}}, e["data"].(map[string]any)["errors"])

	status, body = f.do(t, "POST", "/api/permissions/check", adminJWS, fiber.Map{
		"requiredPermissions": fiber.Map{"listing": fiber.Map{"customCheck": "true"}},
	})
	assert.Equal(t, 200, status)
	assert.NotNil(t, body["error"])

	status, body = f.do(t, "POST", "/api/permissions/check", adminJWS, fiber.Map{"resourceId": "x"})
	assert.Equal(t, 422, status)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(body))
}

func TestCapabilitiesEndpoint(t *testing.T) {
	f := newFixture(t, fakeProfiles{})
	f.codec.caps = token.Capabilities{Verify: true}

	status, body := f.do(t, "GET", "/api/token/capabilities", "", nil)
	assert.Equal(t, 200, status)
	assert.Equal(t, map[string]any{"sign": false, "verify": true, "encrypt": false, "decrypt": false}, body["data"])
}

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions(map[string]any{"requireCurrentUser": true, "audience": "admin-console"})
	require.NoError(t, err)
	assert.True(t, opts.RequireCurrentUser)
	assert.Equal(t, "admin-console", opts.Audience)
	assert.Equal(t, token.Options{Audience: "admin-console"}, opts.tokenOptions())

	_, err = ParseOptions(map[string]any{"bypass": true})
	require.Error(t, err)

	opts, err = ParseOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, Options{}, opts)
}

func TestRequire_UnconfiguredRouteDenies(t *testing.T) {
	g := NewGuard(newCodec(t), engine.NewVerifier(), WithLogger(quietLogger()))
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(quietLogger())})
	app.Get("/open", g.Require(&metadata.Route{Name: "open"}, nil), func(c *fiber.Ctx) error {
		return c.SendString("reached")
	})

	req, err := http.NewRequest("GET", "/open", nil)
	require.NoError(t, err)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, 403, resp.StatusCode)
}

func TestCheckEndpoint_HidesMissingByDefault(t *testing.T) {
	codec := newCodec(t)
	logger := quietLogger()
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logger)})
	require.NoError(t, RegisterRoutes(app, NewHandler(codec, nil, nil, logger), NewGuard(codec, nil, WithLogger(logger)), nil))
	f := &fixture{app: app, codec: codec}

	status, body := f.do(t, "POST", "/api/permissions/check", sellerJWS, fiber.Map{
		"requiredPermissions": fiber.Map{"listing": fiber.Map{"permissions": []string{"get", "delete"}}},
	})
	assert.Equal(t, 200, status)
	assert.Equal(t, "PERMISSION_DENIED", errorCode(body))
	assert.NotContains(t, body["error"], "data")

	status, body = f.do(t, "POST", "/api/permissions/check", sellerJWS, fiber.Map{
		"requiredPermissions": fiber.Map{"listing": fiber.Map{"permissions": []string{"get"}}},
	})
	assert.Equal(t, 200, status)
	assert.Equal(t, true, body["valid"])
}

func TestDeclaredRouteCheck(t *testing.T) {
	codec := newCodec(t)
	logger := quietLogger()
	guard := NewGuard(codec, nil, WithLogger(logger))
	h := NewHandler(codec, nil, nil, logger, WithMissingDetail(true))

	routes, err := metadata.ParseRoutes([]byte(`
routes:
  view-as:
    options: {requireCurrentUser: true}
    required:
      user:
        loginAs:
          individual:
            transaction:
              permissions: [get]
`), metadata.DefaultRegistry())
	require.NoError(t, err)

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logger)})
	require.NoError(t, RegisterRoutes(app, h, guard, routes))
	f := &fixture{app: app, codec: codec}

	status, _ := f.do(t, "POST", "/api/permissions/routes/view-as", "", fiber.Map{"resourceId": "l-1"})
	assert.Equal(t, 401, status)

	status, body := f.do(t, "POST", "/api/permissions/routes/view-as", adminJWS, fiber.Map{"resourceId": targetID})
	assert.Equal(t, 200, status)
	assert.Equal(t, true, body["valid"])

	status, body = f.do(t, "POST", "/api/permissions/routes/view-as", sellerJWS, fiber.Map{"resourceId": adminID})
	assert.Equal(t, 200, status)
	assert.Equal(t, "PERMISSION_DENIED", errorCode(body))
	e := body["error"].(map[string]any)
	assert.Equal(t, []any{map[string]any{
		adminID: map[string]any{"transaction": map[string]any{"permissions": []any{"get"}}},
	}}, e["data"].(map[string]any)["errors"])
}
