package mcp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const resultsSchema = `{
  "type": "object",
  "required": ["products"],
  "properties": {
    "products": {"type": "array", "items": {"type": "object", "required": ["doc_id"]}},
    "n": {"type": "integer", "minimum": 1}
  }
}`

func TestValidateJSON(t *testing.T) {
	schema, err := CompileSchema("results.json", json.RawMessage(resultsSchema))
	require.NoError(t, err)

	assert.NoError(t, ValidateJSON(schema, []byte(`{"products":[{"doc_id":"B001","score":0.9}],"n":3}`)))
	assert.Error(t, ValidateJSON(schema, []byte(`{"products":[{"score":0.9}]}`)))
	assert.Error(t, ValidateJSON(schema, []byte(`{"products":[],"n":2.5}`)))
	assert.ErrorContains(t, ValidateJSON(schema, []byte(`{"products":`)), "invalid JSON")
}

func TestValidateGoValue(t *testing.T) {
	schema, err := CompileSchema("results.json", json.RawMessage(resultsSchema))
	require.NoError(t, err)

	ok := map[string]any{"products": []map[string]any{{"doc_id": "B001"}}, "n": 5}
	assert.NoError(t, Validate(schema, ok))
	assert.Error(t, Validate(schema, map[string]any{"n": 0}))
}
