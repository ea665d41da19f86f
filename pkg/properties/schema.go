package properties

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaValidator checks raw (unflattened) property bags against a JSON
// Schema before they are published.
type SchemaValidator struct {
	schema *jsonschema.Schema
}

// NewSchemaValidator compiles a Draft 2020-12 JSON Schema.
func NewSchemaValidator(name, schema string) (*SchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://market.schemas.local/properties/%s.schema.json", name)
	if err := c.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("property schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("property schema compile failed: %w", err)
	}
	return &SchemaValidator{schema: compiled}, nil
}

// ValidateJSON validates JSON object text.
func (v *SchemaValidator) ValidateJSON(data []byte) error {
	obj, err := decodeObject(data)
	if err != nil {
		return err
	}
	if err := v.schema.Validate(obj); err != nil {
		return fmt.Errorf("properties rejected by schema: %w", err)
	}
	return nil
}
