// Package token mints and reads capability tokens: RS256-signed JWTs and
// RSA-OAEP encrypted JWTs carrying a permission grant.
package token

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/samber/oops"
	jose "gopkg.in/go-jose/go-jose.v2"
	josejwt "gopkg.in/go-jose/go-jose.v2/jwt"

	"permgate/internal/config"
	"permgate/internal/schema"
)

// Options override the configured claims for one call. Zero values fall
// back to configuration.
type Options struct {
	Issuer   string
	Audience string
	Expire   time.Duration
}

// Capabilities reports which operations have key material.
type Capabilities struct {
	Sign    bool `json:"sign"`
	Verify  bool `json:"verify"`
	Encrypt bool `json:"encrypt"`
	Decrypt bool `json:"decrypt"`
}

// claims is the signed JWT body: registered claims next to the payload.
type claims struct {
	jwt.RegisteredClaims
	Payload
}

var registeredClaimNames = []string{"iss", "sub", "aud", "exp", "nbf", "iat", "jti"}

// Codec signs, verifies, encrypts and decrypts capability tokens. Keys are
// imported on first use and kept for the life of the process.
type Codec struct {
	cfg    config.TokenConfig
	logger *slog.Logger
	now    func() time.Time

	signingKey    func() (*rsa.PrivateKey, error)
	verifyingKey  func() (*rsa.PublicKey, error)
	decryptionKey func() (*rsa.PrivateKey, error)
	encryptionKey func() (*rsa.PublicKey, error)

	// signFn is the signing primitive; nothing reaches it without a valid
	// payload.
	signFn func(jwt.Claims, *rsa.PrivateKey) (string, error)
	newID  func() string
}

type Option func(*Codec)

// WithClock replaces time.Now for issuing and validating claims.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

func New(cfg config.TokenConfig, logger *slog.Logger, opts ...Option) *Codec {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Codec{
		cfg:    cfg,
		logger: logger.With("component", "token"),
		now:    time.Now,
		signFn: func(cl jwt.Claims, key *rsa.PrivateKey) (string, error) {
			return jwt.NewWithClaims(jwt.SigningMethodRS256, cl).SignedString(key)
		},
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(c)
	}

	c.signingKey = sync.OnceValues(func() (*rsa.PrivateKey, error) {
		return ParsePrivateKey(cfg.SigningPrivateKey)
	})
	c.verifyingKey = sync.OnceValues(func() (*rsa.PublicKey, error) {
		if cfg.SigningPublicKey != "" {
			return ParsePublicKey(cfg.SigningPublicKey)
		}
		priv, err := c.signingKey()
		if err != nil {
			return nil, err
		}
		return &priv.PublicKey, nil
	})
	c.decryptionKey = sync.OnceValues(func() (*rsa.PrivateKey, error) {
		return ParsePrivateKey(cfg.EncryptionPrivateKey)
	})
	c.encryptionKey = sync.OnceValues(func() (*rsa.PublicKey, error) {
		if cfg.EncryptionPublicKey != "" {
			return ParsePublicKey(cfg.EncryptionPublicKey)
		}
		priv, err := c.decryptionKey()
		if err != nil {
			return nil, err
		}
		return &priv.PublicKey, nil
	})
	return c
}

func (c *Codec) Capabilities() Capabilities {
	return Capabilities{
		Sign:    c.cfg.SigningPrivateKey != "",
		Verify:  c.cfg.SigningPublicKey != "" || c.cfg.SigningPrivateKey != "",
		Encrypt: c.cfg.EncryptionPublicKey != "" || c.cfg.EncryptionPrivateKey != "",
		Decrypt: c.cfg.EncryptionPrivateKey != "",
	}
}

// DefaultExpiration is the lifetime used when Options.Expire is zero.
func (c *Codec) DefaultExpiration() time.Duration {
	return c.cfg.Expiration
}

// Sign validates the payload and returns an RS256 JWT.
func (c *Codec) Sign(p Payload, opts Options) (string, error) {
	if !c.Capabilities().Sign {
		return "", c.disabled("sign", "token.signing_private_key")
	}
	if err := c.validate("sign", p); err != nil {
		return "", err
	}
	key, err := c.signingKey()
	if err != nil {
		return "", c.keyError("sign", err)
	}

	now := c.now()
	cl := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    first(opts.Issuer, c.cfg.Issuer),
			Subject:   p.UserID(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(first(opts.Expire, c.cfg.Expiration))),
			ID:        c.newID(),
		},
		Payload: p,
	}
	if aud := first(opts.Audience, c.cfg.Audience); aud != "" {
		cl.Audience = jwt.ClaimStrings{aud}
	}

	signed, err := c.signFn(cl, key)
	if err != nil {
		return "", oops.Code("TOKEN_SIGN_FAILED").Wrapf(err, "sign capability token")
	}
	return signed, nil
}

// Verify checks signature, issuer, audience and expiry, and re-validates the
// payload schema before returning it.
func (c *Codec) Verify(token string, opts Options) (*Payload, error) {
	if !c.Capabilities().Verify {
		return nil, c.disabled("verify", "token.signing_public_key")
	}
	key, err := c.verifyingKey()
	if err != nil {
		return nil, c.keyError("verify", err)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	}
	if iss := first(opts.Issuer, c.cfg.Issuer); iss != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(iss))
	}
	if aud := first(opts.Audience, c.cfg.Audience); aud != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(aud))
	}

	var cl claims
	tok, err := jwt.ParseWithClaims(token, &cl, func(*jwt.Token) (any, error) {
		return key, nil
	}, parserOpts...)
	if err != nil {
		return nil, classifyJWTError(err)
	}

	parts := strings.Split(tok.Raw, ".")
	body, err := jwt.NewParser().DecodeSegment(parts[1])
	if err != nil {
		return nil, oops.Code("TOKEN_SIGNATURE_INVALID").Wrapf(ErrInvalidSignature, "decode payload segment: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, oops.Code("TOKEN_SIGNATURE_INVALID").Wrapf(ErrInvalidSignature, "payload is not an object: %v", err)
	}
	if err := c.validate("verify", stripRegistered(raw)); err != nil {
		return nil, err
	}
	return &cl.Payload, nil
}

// Encrypt validates the payload and returns a JWE (RSA-OAEP-256, A256GCM)
// carrying the payload and registered claims.
func (c *Codec) Encrypt(p Payload, opts Options) (string, error) {
	if !c.Capabilities().Encrypt {
		return "", c.disabled("encrypt", "token.encryption_public_key")
	}
	if err := c.validate("encrypt", p); err != nil {
		return "", err
	}
	key, err := c.encryptionKey()
	if err != nil {
		return "", c.keyError("encrypt", err)
	}

	enc, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.RSA_OAEP_256, Key: key},
		(&jose.EncrypterOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", oops.Code("TOKEN_ENCRYPT_FAILED").Wrapf(err, "create encrypter")
	}

	now := c.now()
	std := josejwt.Claims{
		Issuer:   first(opts.Issuer, c.cfg.Issuer),
		Subject:  p.UserID(),
		IssuedAt: josejwt.NewNumericDate(now),
		Expiry:   josejwt.NewNumericDate(now.Add(first(opts.Expire, c.cfg.Expiration))),
		ID:       c.newID(),
	}
	if aud := first(opts.Audience, c.cfg.Audience); aud != "" {
		std.Audience = josejwt.Audience{aud}
	}

	out, err := josejwt.Encrypted(enc).Claims(std).Claims(p).CompactSerialize()
	if err != nil {
		return "", oops.Code("TOKEN_ENCRYPT_FAILED").Wrapf(err, "encrypt capability token")
	}
	return out, nil
}

// Decrypt opens a JWE produced by Encrypt, then checks expiry, issuer and,
// when requested, audience.
func (c *Codec) Decrypt(token string, opts Options) (*Payload, error) {
	if !c.Capabilities().Decrypt {
		return nil, c.disabled("decrypt", "token.encryption_private_key")
	}
	key, err := c.decryptionKey()
	if err != nil {
		return nil, c.keyError("decrypt", err)
	}

	tok, err := josejwt.ParseEncrypted(token)
	if err != nil {
		return nil, oops.Code("TOKEN_DECRYPTION_FAILED").Wrapf(ErrDecryptionFailed, "parse: %v", err)
	}
	if len(tok.Headers) == 0 || tok.Headers[0].Algorithm != string(jose.RSA_OAEP_256) {
		return nil, oops.Code("TOKEN_DECRYPTION_FAILED").Wrapf(ErrDecryptionFailed, "unsupported key algorithm")
	}

	var (
		std josejwt.Claims
		p   Payload
		raw map[string]any
	)
	if err := tok.Claims(key, &std, &p, &raw); err != nil {
		return nil, oops.Code("TOKEN_DECRYPTION_FAILED").Wrapf(ErrDecryptionFailed, "%v", err)
	}

	if std.Expiry == nil {
		return nil, oops.Code("TOKEN_CLAIM_MISMATCH").Wrapf(ErrClaimMismatch, "exp claim is required")
	}
	expected := josejwt.Expected{Issuer: first(opts.Issuer, c.cfg.Issuer), Time: c.now()}
	if opts.Audience != "" {
		expected.Audience = josejwt.Audience{opts.Audience}
	}
	if err := std.ValidateWithLeeway(expected, 0); err != nil {
		if errors.Is(err, josejwt.ErrExpired) {
			return nil, oops.Code("TOKEN_EXPIRED").Wrapf(ErrTokenExpired, "%v", err)
		}
		return nil, oops.Code("TOKEN_CLAIM_MISMATCH").Wrapf(ErrClaimMismatch, "%v", err)
	}

	if err := c.validate("decrypt", stripRegistered(raw)); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Codec) validate(op string, v any) error {
	err := schema.ValidatePayload(v)
	if err == nil {
		return nil
	}
	var ve *schema.ValidationError
	if errors.As(err, &ve) {
		c.logger.Error("capability payload failed schema validation", "operation", op, "causes", ve.Causes)
	} else {
		c.logger.Error("capability payload could not be validated", "operation", op, "error", err)
	}
	return oops.Code("SCHEMA_VALIDATION_FAILED").With("operation", op).Wrap(err)
}

func (c *Codec) disabled(op, configKey string) error {
	c.logger.Warn("token operation disabled: key material not configured", "operation", op, "config_key", configKey)
	return oops.Code("TOKEN_DISABLED").With("operation", op).Wrapf(ErrDisabled, "%s", op)
}

func (c *Codec) keyError(op string, err error) error {
	c.logger.Error("token key material could not be imported", "operation", op, "error", err)
	return oops.Code("TOKEN_KEY_INVALID").With("operation", op).Wrap(err)
}

func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return oops.Code("TOKEN_EXPIRED").Wrapf(ErrTokenExpired, "%v", err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return oops.Code("TOKEN_CLAIM_MISMATCH").Wrapf(ErrClaimMismatch, "%v", err)
	default:
		return oops.Code("TOKEN_SIGNATURE_INVALID").Wrapf(ErrInvalidSignature, "%v", err)
	}
}

func stripRegistered(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	for _, k := range registeredClaimNames {
		delete(out, k)
	}
	return out
}

func first[T comparable](v, fallback T) T {
	var zero T
	if v != zero {
		return v
	}
	return fallback
}
