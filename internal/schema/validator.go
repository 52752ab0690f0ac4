// Package schema provides JSON schema validation for caller-supplied documents
// that are stored verbatim, such as custom backend registrations.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Document kinds with a compiled schema.
const (
	BackendRegistration = "backend.registration"
)

// Schema sources, compiled once at startup.
var sources = map[string]string{
	BackendRegistration: `{
		"type": "object",
		"required": ["name", "endpoint"],
		"additionalProperties": false,
		"properties": {
			"name": {"type": "string", "pattern": "^[a-z0-9][a-z0-9._-]{1,63}$"},
			"endpoint": {"type": "string", "format": "uri", "pattern": "^https?://", "maxLength": 2048},
			"apiKey": {"type": "string", "maxLength": 512}
		}
	}`,
}

// Validator validates documents against JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// NewValidator compiles every known schema.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema, len(sources))}
	for kind, src := range sources {
		if err := v.loadSchema(kind, src); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (v *Validator) loadSchema(kind, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", kind, err)
	}
	v.schemas[kind] = schema
	return nil
}

// ValidationError lists every schema violation of one document.
type ValidationError struct {
	Kind   string
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, strings.Join(e.Issues, "; "))
}

// Validate checks doc (any JSON-marshalable value) against the schema for kind.
// Schema violations are returned as *ValidationError.
func (v *Validator) Validate(kind string, doc interface{}) error {
	schema, exists := v.schemas[kind]
	if !exists {
		return fmt.Errorf("schema not found: %s", kind)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", kind, err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	verr := &ValidationError{Kind: kind}
	for _, desc := range result.Errors() {
		verr.Issues = append(verr.Issues, desc.String())
	}
	return verr
}
