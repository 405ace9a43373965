package core

// DefaultFieldSchema returns the stock checkout fields for a section with
// their platform-default required flags. Storefronts usually send their own
// schema with the resolve request; this is the fallback when they don't.
func DefaultFieldSchema(section Section) FieldSchema {
	prefix := string(section) + "_"

	schema := FieldSchema{
		prefix + "first_name": {Label: "First name", Type: "text", Required: true, Autocomplete: "given-name"},
		prefix + "last_name":  {Label: "Last name", Type: "text", Required: true, Autocomplete: "family-name"},
		prefix + "company":    {Label: "Company name", Type: "text", Autocomplete: "organization"},
		prefix + "country":    {Label: "Country / Region", Type: "country", Required: true, Autocomplete: "country"},
		prefix + "address_1":  {Label: "Street address", Type: "text", Required: true, Autocomplete: "address-line1"},
		prefix + "address_2":  {Label: "Apartment, suite, unit, etc.", Type: "text", Autocomplete: "address-line2"},
		prefix + "city":       {Label: "Town / City", Type: "text", Required: true, Autocomplete: "address-level2"},
		prefix + "state":      {Label: "State / County", Type: "state", Required: true, Autocomplete: "address-level1"},
		prefix + "postcode":   {Label: "Postcode / ZIP", Type: "text", Required: true, Autocomplete: "postal-code"},
	}

	if section == SectionBilling {
		schema[prefix+"phone"] = FieldDefinition{Label: "Phone", Type: "tel", Required: true, Autocomplete: "tel"}
		schema[prefix+"email"] = FieldDefinition{Label: "Email address", Type: "email", Required: true, Autocomplete: "email"}
	}

	return schema
}
