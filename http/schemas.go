package http

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Settle bodies are schema-validated before decoding so malformed requests
// are rejected with field-level messages instead of opaque unmarshal errors.
// Address and numeric fields travel as strings; the patterns below mirror
// what the decoders accept.

const settleNativeSchemaJSON = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["permit", "signature", "caller", "value"],
	"properties": {
		"permit": {
			"type": "object",
			"required": ["payer", "recipient", "amount", "feeRateBps", "nonce", "deadline"],
			"properties": {
				"payer":      {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
				"recipient":  {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
				"amount":     {"type": "string", "pattern": "^[0-9]+$"},
				"feeRateBps": {"type": "integer", "minimum": 0},
				"nonce":      {"type": "string", "pattern": "^[0-9]+$"},
				"deadline":   {"type": "string", "pattern": "^[0-9]+$"}
			}
		},
		"signature": {"type": "string", "pattern": "^0x[0-9a-fA-F]{130}$"},
		"caller":    {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
		"value":     {"type": "string", "pattern": "^[0-9]+$"}
	}
}`

const settleTokenSchemaJSON = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["permit", "signature"],
	"properties": {
		"permit": {
			"type": "object",
			"required": ["payer", "asset", "recipient", "amount", "feeRateBps", "nonce", "deadline"],
			"properties": {
				"payer":      {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
				"asset":      {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
				"recipient":  {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
				"amount":     {"type": "string", "pattern": "^[0-9]+$"},
				"feeRateBps": {"type": "integer", "minimum": 0},
				"nonce":      {"type": "string", "pattern": "^[0-9]+$"},
				"deadline":   {"type": "string", "pattern": "^[0-9]+$"}
			}
		},
		"signature": {"type": "string", "pattern": "^0x[0-9a-fA-F]{130}$"}
	}
}`

var (
	settleNativeSchema = gojsonschema.NewStringLoader(settleNativeSchemaJSON)
	settleTokenSchema  = gojsonschema.NewStringLoader(settleTokenSchemaJSON)
)

// validateBody checks a request body against a schema and returns one
// message per violation, empty when the body is valid.
func validateBody(schema gojsonschema.JSONLoader, body []byte) []string {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return []string{fmt.Sprintf("schema validation failed: %v", err)}
	}
	if result.Valid() {
		return nil
	}

	var errs []string
	for _, desc := range result.Errors() {
		errs = append(errs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return errs
}
