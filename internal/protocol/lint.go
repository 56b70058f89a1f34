package protocol

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// promptSchema is a coarse JSON Schema for the prompt frame, used only by
// the offline `-validate-schema` debug mode in cmd/bridgews. It is not
// consulted on the hot path — Parse is the sole source of truth there,
// since only Parse can produce the exact error-message-per-rule contract.
const promptSchemaDoc = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"const": "prompt"},
    "prompt": {"type": "string", "minLength": 1},
    "requestId": {"type": "string", "minLength": 1},
    "provider": {"type": "string", "enum": ["A", "B", "C"]},
    "model": {"type": "string"},
    "systemPrompt": {"type": "string"},
    "projectId": {"type": "string", "pattern": "^[A-Za-z0-9._-]+$"},
    "thinkingTokens": {"type": "number", "minimum": 0},
    "images": {
      "type": "array",
      "maxItems": 4,
      "items": {
        "type": "object",
        "required": ["media_type", "data"],
        "properties": {
          "media_type": {"type": "string", "enum": ["image/png", "image/jpeg", "image/gif", "image/webp"]},
          "data": {"type": "string"}
        }
      }
    }
  }
}`

// Lint validates raw frame bytes against the debug JSON Schema and returns
// a human-readable list of schema violations, for use by operators
// diagnosing a misbehaving client offline. It is intentionally looser than
// Parse (it does not enforce byte-length ceilings) and must never replace
// Parse's validation on the connection hot path.
func Lint(raw []byte) ([]string, error) {
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(promptSchemaDoc))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("prompt.schema.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	schema, err := compiler.Compile("prompt.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return []string{fmt.Sprintf("invalid JSON: %v", err)}, nil
	}

	if err := schema.Validate(doc); err != nil {
		return []string{err.Error()}, nil
	}
	return nil, nil
}
