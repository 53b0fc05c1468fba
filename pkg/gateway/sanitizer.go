package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Sanitize failure details.
const (
	ReasonEncoding  = "encoding"
	ReasonTooLarge  = "too_large"
	ReasonNotObject = "not_object"
	ReasonSchema    = "schema"
)

// DefaultMaxParamBytes bounds the encoded parameters of one call.
const DefaultMaxParamBytes = 64 << 10

// SanitizeError reports why parameters were rejected.
type SanitizeError struct {
	Reason string
	Err    error
}

func (e *SanitizeError) Error() string {
	if e.Err == nil {
		return "gateway: parameters rejected: " + e.Reason
	}
	return fmt.Sprintf("gateway: parameters rejected: %s: %v", e.Reason, e.Err)
}

func (e *SanitizeError) Unwrap() error { return e.Err }

// Sanitizer turns caller parameters into a private JSON object. Parameters are
// re-encoded so the handler never shares memory with the caller.
type Sanitizer struct {
	MaxBytes int
}

// Sanitize encodes params, enforces the size bound and object shape, decodes a fresh
// copy and validates it against schema when one is given. Nil params become an empty
// object.
func (s Sanitizer) Sanitize(params any, schema *jsonschema.Schema) (map[string]any, error) {
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, &SanitizeError{Reason: ReasonEncoding, Err: err}
	}
	limit := s.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxParamBytes
	}
	if len(raw) > limit {
		return nil, &SanitizeError{Reason: ReasonTooLarge, Err: fmt.Errorf("%d bytes exceeds %d", len(raw), limit)}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &SanitizeError{Reason: ReasonEncoding, Err: err}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &SanitizeError{Reason: ReasonNotObject}
	}

	if schema != nil {
		if err := schema.Validate(obj); err != nil {
			var ve *jsonschema.ValidationError
			if errors.As(err, &ve) {
				return nil, &SanitizeError{Reason: ReasonSchema, Err: ve}
			}
			return nil, &SanitizeError{Reason: ReasonSchema, Err: err}
		}
	}
	return obj, nil
}

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://capkernel.schemas.local/calls/%s.schema.json", name)
	if err := c.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("gateway: schema load failed for %q: %w", name, err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("gateway: schema compile failed for %q: %w", name, err)
	}
	return compiled, nil
}
