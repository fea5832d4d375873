package tools

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	jsvalidate "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ensembleworks/ensemble/pkg/fault"
)

// SchemaFor generates a JSON schema from a Go argument struct using struct
// tags.
//
// Supported tags:
//   - json:"name" - parameter name
//   - jsonschema:"required" - mark as required
//   - jsonschema:"description=..." - parameter description
//   - jsonschema:"enum=a|b" - allowed values
//
// Example:
//
//	type Args struct {
//	    Query string `json:"query" jsonschema:"required,description=Search query"`
//	    Limit int    `json:"limit,omitempty" jsonschema:"description=Max results,default=10"`
//	}
func SchemaFor[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}

	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to convert schema to map: %w", err)
	}

	delete(result, "$schema")
	delete(result, "$id")
	return result, nil
}

// MustSchemaFor is SchemaFor for static tool definitions.
func MustSchemaFor[T any]() map[string]any {
	schema, err := SchemaFor[T]()
	if err != nil {
		panic(err)
	}
	return schema
}

// ValidateArgs validates tool arguments against an input schema. A nil or
// empty schema accepts anything.
func ValidateArgs(inputSchema map[string]any, args map[string]any) error {
	if len(inputSchema) == 0 {
		return nil
	}

	schemaBytes, err := json.Marshal(inputSchema)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "unmarshalable input schema", err)
	}

	compiler := jsvalidate.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(schemaBytes)); err != nil {
		return fault.Wrap(fault.KindInternal, "invalid input schema", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fault.Wrap(fault.KindInternal, "invalid input schema", err)
	}

	if args == nil {
		args = map[string]any{}
	}
	// The validator wants plain JSON types.
	argBytes, err := json.Marshal(args)
	if err != nil {
		return fault.Wrap(fault.KindValidation, "unmarshalable arguments", err)
	}
	var doc any
	if err := json.Unmarshal(argBytes, &doc); err != nil {
		return fault.Wrap(fault.KindValidation, "unmarshalable arguments", err)
	}

	if err := schema.Validate(doc); err != nil {
		return fault.Wrap(fault.KindValidation, "arguments do not match tool schema", err)
	}
	return nil
}
