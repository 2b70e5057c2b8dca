package permitpay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// PermitRequirements describes what a resource server accepts as payment for
// a route. It travels in the body of a 402 challenge so callers know which
// permit to have signed before retrying.
type PermitRequirements struct {
	// Recipient is the address the permit must pay.
	Recipient string `json:"recipient"`

	// Asset is the token contract the permit must draw on.
	Asset string `json:"asset"`

	// Amount is the minimum principal, in base units.
	Amount string `json:"amount"`

	// EngineURL is the settlement engine API the resource server settles
	// against. Callers can fetch its /config for the signing domain.
	EngineURL string `json:"engineUrl,omitempty"`

	ChainID     string `json:"chainId,omitempty"`
	Resource    string `json:"resource,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// EncodeSettleTokenToBase64 renders a settle request for transport in a
// permit header.
func EncodeSettleTokenToBase64(req SettleTokenRequest) (string, error) {
	jsonBytes, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode the settle request: %w", err)
	}

	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// DecodeSettleTokenFromBase64 decodes the base64 wire form carried in a
// permit header.
func DecodeSettleTokenFromBase64(encoded string) (*SettleTokenRequest, error) {
	if encoded == "" {
		return nil, fmt.Errorf("empty permit header")
	}

	decodedBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 string: %w", err)
	}

	var req SettleTokenRequest
	if err := json.Unmarshal(decodedBytes, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settle request: %w", err)
	}

	return &req, nil
}

// EncodeToBase64String renders the response for transport in a settlement
// header.
func (r SettleResponse) EncodeToBase64String() (string, error) {
	jsonBytes, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to encode the settle response: %w", err)
	}

	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// DecodeSettleResponseFromBase64 decodes a settlement header back into the
// response it carries.
func DecodeSettleResponseFromBase64(encoded string) (*SettleResponse, error) {
	decodedBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 string: %w", err)
	}

	var resp SettleResponse
	if err := json.Unmarshal(decodedBytes, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settle response: %w", err)
	}

	return &resp, nil
}
