// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package schema validates JSON documents against JSON schemas

Flow steps of the host describe their expected input with a schema. The schema
document is also what clients receive as "data_schema" when a step shows a form.
*/
package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/xeipuuv/gojsonschema"
)

// Schema is a compiled JSON schema which keeps its source document
type Schema struct {
	ID       string
	source   json.RawMessage
	compiled *gojsonschema.Schema
}

// Compile compiles a single schema document. The document must contain an "$id".
func Compile(document string) (*Schema, error) {
	var s struct {
		ID string `json:"$id"`
	}
	if err := json.Unmarshal([]byte(document), &s); err != nil {
		return nil, fmt.Errorf("parse error '%v' in schema: '%s'", err, document)
	}
	if s.ID == "" {
		return nil, fmt.Errorf("schema does not contain $id: '%s'", document)
	}
	compiled, err := gojsonschema.NewSchemaLoader().Compile(gojsonschema.NewStringLoader(document))
	if err != nil {
		return nil, fmt.Errorf("cannot compile schema %s %s", s.ID, err)
	}
	return &Schema{ID: s.ID, source: json.RawMessage(document), compiled: compiled}, nil
}

// MustCompile is like Compile but panics on error. It is meant for schemas
// that are part of the program.
func MustCompile(document string) *Schema {
	s, err := Compile(document)
	if err != nil {
		panic(err)
	}
	return s
}

// MarshalJSON returns the source document of the schema
func (s *Schema) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}
	return s.source, nil
}

// Validate validates a Go value against the schema. If no error is returned,
// the value is valid.
func (s *Schema) Validate(value interface{}) error {
	return s.validate(gojsonschema.NewGoLoader(value))
}

// ValidateString validates a JSON document against the schema.
func (s *Schema) ValidateString(document string) error {
	return s.validate(gojsonschema.NewStringLoader(document))
}

func (s *Schema) validate(loader gojsonschema.JSONLoader) error {
	result, err := s.compiled.Validate(loader)
	if err != nil {
		return fmt.Errorf("cannot validate with schema %s %s", s.ID, err)
	}

	if !result.Valid() {
		var b strings.Builder
		b.WriteString("the document is not valid :\n")
		for _, e := range result.Errors() {
			fmt.Fprintf(&b, "- %s\n", e)
		}
		return errors.New(b.String())
	}
	return nil
}

// Defaults returns the "default" values of the top level properties of an
// object schema.
func (s *Schema) Defaults() map[string]interface{} {
	var doc struct {
		Properties map[string]struct {
			Default interface{} `json:"default"`
		} `json:"properties"`
	}
	defaults := map[string]interface{}{}
	if err := json.Unmarshal(s.source, &doc); err != nil {
		return defaults
	}
	for name, p := range doc.Properties {
		if p.Default != nil {
			defaults[name] = p.Default
		}
	}
	return defaults
}
