package auth

import (
	"encoding/json"
	"fmt"

	"permgate/internal/schema"
	"permgate/internal/token"
)

// Options configure Authenticate for one group of routes.
type Options struct {
	// RequireCurrentUser rejects requests without a bearer token. Without it
	// such requests continue anonymously and hold no grants.
	RequireCurrentUser bool `json:"requireCurrentUser,omitempty"`
	// RequireTrustedToken accepts only encrypted tokens.
	RequireTrustedToken bool `json:"requireTrustedToken,omitempty"`
	// Denormalize stores the full decoded payload under PayloadKey next to
	// the user context.
	Denormalize bool   `json:"denormalize,omitempty"`
	Issuer      string `json:"issuer,omitempty"`
	Audience    string `json:"audience,omitempty"`
}

// ParseOptions validates raw route options against the options schema and
// decodes them. Nil input gives the zero Options.
func ParseOptions(raw map[string]any) (Options, error) {
	var opts Options
	if raw == nil {
		return opts, nil
	}
	if err := schema.ValidateOptions(raw); err != nil {
		return opts, err
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return opts, fmt.Errorf("encode options: %w", err)
	}
	if err := json.Unmarshal(b, &opts); err != nil {
		return opts, fmt.Errorf("decode options: %w", err)
	}
	return opts, nil
}

func (o Options) tokenOptions() token.Options {
	return token.Options{Issuer: o.Issuer, Audience: o.Audience}
}
