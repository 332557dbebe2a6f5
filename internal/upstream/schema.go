package upstream

import (
	"bytes"
	"embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://schemas.te-platform.dev/teclient/"

const (
	schemaReview   = "review.json"
	schemaReferral = "referral.json"
	schemaUser     = "user.json"
	schemaLogin    = "login.json"
)

type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the embedded resource schemas.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	names := []string{schemaReview, schemaReferral, schemaUser, schemaLogin}
	for _, name := range names {
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		if err := compiler.AddResource(schemaBaseURL+name, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}
	schemas := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		compiled, err := compiler.Compile(schemaBaseURL + name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		schemas[name] = compiled
	}
	return &Validator{schemas: schemas}, nil
}

func (v *Validator) Validate(schema string, raw []byte) error {
	compiled, ok := v.schemas[schema]
	if !ok {
		return fmt.Errorf("unknown schema %s", schema)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return compiled.Validate(instance)
}
