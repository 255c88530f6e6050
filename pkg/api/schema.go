package api

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/swapcycle/clearing/pkg/contracts"
)

// intentSchema is the submission contract for swap intents. Structural
// validation happens here; semantic validation (value bands, want folding)
// happens in pkg/normalize.
const intentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["offer", "want_spec", "value_band"],
  "properties": {
    "offer": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "estimated_value"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "category": {"type": "string"},
          "attributes": {"type": "object", "additionalProperties": {"type": "string"}},
          "estimated_value": {"type": "integer", "minimum": 0}
        }
      }
    },
    "want_spec": {
      "type": "object",
      "properties": {
        "asset_ids": {"type": "array", "items": {"type": "string", "minLength": 1}},
        "categories": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["category"],
            "properties": {
              "category": {"type": "string", "minLength": 1},
              "attributes": {"type": "object", "additionalProperties": {"type": "string"}}
            }
          }
        }
      }
    },
    "value_band": {
      "type": "object",
      "required": ["min_value", "max_value"],
      "properties": {
        "min_value": {"type": "integer", "minimum": 0},
        "max_value": {"type": "integer", "minimum": 0},
        "pricing_source": {"type": "string"}
      }
    },
    "trust_constraints": {
      "type": "object",
      "properties": {
        "min_counterparty_reliability": {"type": "number", "minimum": 0, "maximum": 1},
        "max_cycle_length": {"type": "integer", "minimum": 2},
        "require_escrow": {"type": "boolean"}
      }
    },
    "time_constraints": {
      "type": "object",
      "properties": {
        "expires_at": {"type": "string", "format": "date-time"},
        "urgency": {"type": "string"}
      }
    },
    "tier": {"enum": ["strict", "standard", "open"]}
  }
}`

var compiledIntentSchema = jsonschema.MustCompileString("intent.schema.json", intentSchema)

// validateIntentBody checks a raw submission against the intent schema.
func validateIntentBody(raw []byte) error {
	var doc any
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&doc); err != nil {
		return contracts.Errf(contracts.CodeValidation, "request body is not valid JSON")
	}
	if err := compiledIntentSchema.Validate(doc); err != nil {
		return contracts.Wrap(contracts.CodeValidation, err, fmt.Sprintf("intent failed schema validation: %v", err))
	}
	return nil
}
