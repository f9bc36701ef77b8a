package tool

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Validator validates documents against a JSON Schema.
type Validator struct {
	schema *gojsonschema.Schema
}

// CompileSchema prepares a JSON Schema given as a decoded JSON object.
func CompileSchema(schema map[string]any) (*Validator, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: s}, nil
}

// Validate checks doc and joins every violation into one error.
func (v *Validator) Validate(doc map[string]any) error {
	if doc == nil {
		doc = map[string]any{}
	}
	res, err := v.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

// ValidateParams compiles schema and validates doc in one call. An empty
// schema accepts everything.
func ValidateParams(schema, doc map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	v, err := CompileSchema(schema)
	if err != nil {
		return err
	}
	return v.Validate(doc)
}
