package mcp

// Input schemas for the tool set. Amounts, nonces, and deadlines travel as
// base-10 strings, matching the HTTP API's wire format.

func permitProperties(withAsset bool) map[string]interface{} {
	props := map[string]interface{}{
		"payer":      map[string]interface{}{"type": "string", "description": "Address whose funds move"},
		"recipient":  map[string]interface{}{"type": "string", "description": "Address receiving the principal"},
		"amount":     map[string]interface{}{"type": "string", "description": "Principal in base units, base-10"},
		"feeRateBps": map[string]interface{}{"type": "integer", "description": "Fee rate in basis points; 0 uses the system default"},
		"nonce":      map[string]interface{}{"type": "string", "description": "Single-use value scoped to the payer"},
		"deadline":   map[string]interface{}{"type": "string", "description": "Absolute unix-seconds expiry"},
	}
	required := []string{"payer", "recipient", "amount", "feeRateBps", "nonce", "deadline"}
	if withAsset {
		props["asset"] = map[string]interface{}{"type": "string", "description": "Token contract address"}
		required = append(required, "asset")
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func permitRequestSchema(withAsset bool, extra map[string]interface{}, extraRequired ...string) map[string]interface{} {
	props := map[string]interface{}{
		"permit":    permitProperties(withAsset),
		"signature": map[string]interface{}{"type": "string", "description": "65-byte permit signature, 0x-prefixed hex"},
	}
	for name, schema := range extra {
		props[name] = schema
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   append([]string{"permit", "signature"}, extraRequired...),
	}
}

var (
	verifyNativeSchema = permitRequestSchema(false, nil)
	verifyTokenSchema  = permitRequestSchema(true, nil)

	settleNativeSchema = permitRequestSchema(false, map[string]interface{}{
		"caller": map[string]interface{}{"type": "string", "description": "Forwarding caller whose balance funds the transfer"},
		"value":  map[string]interface{}{"type": "string", "description": "Attached value; must equal principal plus fee"},
	}, "caller", "value")

	settleTokenSchema = permitRequestSchema(true, nil)
)
