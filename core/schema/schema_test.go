// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package schema

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `{
	"$id": "https://lyvo.test/step.json",
	"type": "object",
	"properties": {
		"unique_id": {"type": "string", "default": "abc"},
		"count": {"type": "integer"}
	},
	"additionalProperties": false
}`

func TestCompileRequiresID(t *testing.T) {
	_, err := Compile(`{"type": "object"}`)
	assert.Error(t, err)

	_, err = Compile(`{not json`)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	s, err := Compile(testSchema)
	require.NoError(t, err)
	assert.Equal(t, "https://lyvo.test/step.json", s.ID)

	assert.NoError(t, s.Validate(map[string]interface{}{"unique_id": "x"}))
	assert.NoError(t, s.Validate(map[string]interface{}{}))
	assert.NoError(t, s.ValidateString(`{"count": 3}`))

	assert.Error(t, s.Validate(map[string]interface{}{"unique_id": 42}))
	assert.Error(t, s.ValidateString(`{"other": true}`))
}

func TestMarshalAndDefaults(t *testing.T) {
	s := MustCompile(testSchema)
	data, err := json.Marshal(map[string]interface{}{"data_schema": s})
	require.NoError(t, err)

	var back struct {
		DataSchema map[string]interface{} `json:"data_schema"`
	}
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, "object", back.DataSchema["type"])

	assert.Equal(t, map[string]interface{}{"unique_id": "abc"}, s.Defaults())
}

func TestMustCompilePanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("Should have panicked because the schema has no $id")
		}
	}()
	MustCompile(`{}`)
}
