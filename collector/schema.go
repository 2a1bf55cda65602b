package collector

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// batchSchema describes the body of POST /v1/records
const batchSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["apiKey", "records"],
  "properties": {
    "apiKey": { "type": "string", "minLength": 1 },
    "records": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["kind", "timestamp"],
        "properties": {
          "kind": {
            "type": "string",
            "enum": ["session_start", "session_end", "event", "timed_begin", "timed_end", "error"]
          },
          "sessionId": { "type": "string" },
          "name": { "type": "string", "maxLength": 255 },
          "params": {
            "type": "object",
            "additionalProperties": { "type": "string" }
          },
          "durationMs": { "type": "integer", "minimum": 0 },
          "message": { "type": "string" },
          "stackTrace": { "type": "string" },
          "device": { "type": "object" },
          "timestamp": { "type": "integer" }
        }
      }
    }
  }
}`

// batchValidator checks upload bodies against batchSchema
type batchValidator struct {
	schema *gojsonschema.Schema
}

func newBatchValidator() (*batchValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(batchSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile batch schema: %w", err)
	}
	return &batchValidator{schema: schema}, nil
}

// Validate returns the validation errors for body. A body that is not JSON
// at all is reported as an error.
func (v *batchValidator) Validate(body []byte) ([]string, error) {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}

	errs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errs = append(errs, e.String())
	}
	return errs, nil
}
