package spec

import (
	"encoding/json"

	"github.com/invopop/jsonschema"

	"github.com/eugenetaranov/trawl/internal/dialect"
)

// DefaultSchemaFile is where the schema command writes by default.
const DefaultSchemaFile = "spec_file_schema.json"

// Schema returns the JSON schema of the specification document. Objects do
// not allow additional properties.
func Schema() *jsonschema.Schema {
	r := jsonschema.Reflector{
		ExpandedStruct: true,
	}
	s := r.Reflect(&Document{})
	s.Title = "trawl specification"
	return s
}

// SchemaJSON returns the schema as indented JSON.
func SchemaJSON() ([]byte, error) {
	return json.MarshalIndent(Schema(), "", "  ")
}

// JSONSchemaExtend restricts device_type to the supported dialects.
func (DeviceDoc) JSONSchemaExtend(s *jsonschema.Schema) {
	prop, ok := s.Properties.Get("device_type")
	if !ok {
		return
	}
	for _, name := range dialect.Names() {
		prop.Enum = append(prop.Enum, name)
	}
}
