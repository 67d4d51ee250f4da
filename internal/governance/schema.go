package governance

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// proposalFieldsSchema constrains the field descriptors a proposal may carry.
// Field names are lowercase identifiers so they can become column names
// verbatim; types mirror the storage affinities the domain tables use.
const proposalFieldsSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "array",
	"maxItems": 32,
	"items": {
		"type": "object",
		"required": ["name", "type"],
		"additionalProperties": false,
		"properties": {
			"name": {"type": "string", "minLength": 1, "maxLength": 64, "pattern": "^[a-z][a-z0-9_]*$"},
			"type": {"enum": ["text", "integer", "real", "date", "datetime", "boolean"]}
		}
	}
}`

type fieldsValidator struct {
	schema *jsonschema.Schema
}

func newFieldsValidator() (*fieldsValidator, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(proposalFieldsSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal fields schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("fields.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("fields.json")
	if err != nil {
		return nil, fmt.Errorf("compile fields schema: %w", err)
	}
	return &fieldsValidator{schema: schema}, nil
}

func (v *fieldsValidator) validate(fieldsJSON string) error {
	if fieldsJSON == "" {
		fieldsJSON = "[]"
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(fieldsJSON))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("fields schema: %w", err)
	}
	return nil
}
