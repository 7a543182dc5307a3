// Package schema holds the structural contracts checked before untrusted
// input reaches the permission engine: the capability token payload and the
// middleware options.
package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	PayloadSchemaName = "payload.schema.json"
	OptionsSchemaName = "options.schema.json"
)

//go:embed payload.schema.json
var payloadSchemaJSON []byte

//go:embed options.schema.json
var optionsSchemaJSON []byte

// ErrValidation is matched by every ValidationError.
var ErrValidation = errors.New("schema validation failed")

// ValidationError lists why a document was rejected.
type ValidationError struct {
	Schema string
	Causes []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Schema, strings.Join(e.Causes, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

var (
	payloadSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
		return compile(PayloadSchemaName, payloadSchemaJSON)
	})
	optionsSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
		return compile(OptionsSchemaName, optionsSchemaJSON)
	})
)

// ValidatePayload checks a capability token payload. v may be any value that
// marshals to JSON (a token.Payload, a map, raw claims).
func ValidatePayload(v any) error {
	return validate(PayloadSchemaName, payloadSchema, v)
}

// ValidateOptions checks middleware options.
func ValidateOptions(v any) error {
	return validate(OptionsSchemaName, optionsSchema, v)
}

func validate(name string, get func() (*jsonschema.Schema, error), v any) error {
	sch, err := get()
	if err != nil {
		return fmt.Errorf("compile %s: %w", name, err)
	}

	inst, err := toInstance(v)
	if err != nil {
		return &ValidationError{Schema: name, Causes: []string{err.Error()}}
	}

	if err := sch.Validate(inst); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return &ValidationError{Schema: name, Causes: causes(ve)}
		}
		return &ValidationError{Schema: name, Causes: []string{err.Error()}}
	}
	return nil
}

func compile(name string, src []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(name)
}

// toInstance round-trips v through JSON so the validator sees plain
// maps, slices, strings, json.Number and bools.
func toInstance(v any) (any, error) {
	raw, ok := v.([]byte)
	if !ok {
		var err error
		raw, err = json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal document: %w", err)
		}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("document is not valid JSON: %w", err)
	}
	return inst, nil
}

// causes flattens the validator's multi-line report into one entry per
// failing location.
func causes(ve *jsonschema.ValidationError) []string {
	lines := strings.Split(ve.Error(), "\n")
	var out []string
	for _, l := range lines[1:] {
		l = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(l), "- "))
		if l != "" {
			out = append(out, l)
		}
	}
	if len(out) == 0 {
		out = append(out, strings.TrimSpace(lines[0]))
	}
	return out
}
