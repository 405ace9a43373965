package core

// FieldDefinition is one entry in a checkout field schema. Only Required and
// the field's presence are touched by the applicator; everything else passes
// through for the storefront to render.
type FieldDefinition struct {
	Label        string `json:"label,omitempty"`
	Type         string `json:"type,omitempty"`
	Required     bool   `json:"required"`
	Autocomplete string `json:"autocomplete,omitempty"`
}

// FieldSchema maps field names (e.g. "billing_first_name") to definitions.
type FieldSchema map[string]FieldDefinition

// ApplyFieldState projects resolved field states onto a field schema and
// returns the adjusted copy. Hidden fields are removed entirely (a hidden
// field is never required); shown fields with a concrete required decision
// get that flag set, provided they still exist in the schema. Fields absent
// from the state keep their platform defaults.
func ApplyFieldState(state map[string]FieldState, schema FieldSchema) FieldSchema {
	applied := make(FieldSchema, len(schema))
	for name, def := range schema {
		applied[name] = def
	}

	for name, fieldState := range state {
		if fieldState.Hidden {
			delete(applied, name)
			continue
		}
		if fieldState.Required == nil {
			continue
		}
		def, ok := applied[name]
		if !ok {
			continue
		}
		def.Required = *fieldState.Required
		applied[name] = def
	}

	return applied
}
