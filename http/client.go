package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	permitpay "github.com/permitpay/permitpay-go"
)

// Client is a typed client for the settlement engine API.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	relayerToken string
	ownerToken   string
}

// ClientConfig configures the client.
type ClientConfig struct {
	// BaseURL is the engine API root, without a trailing slash.
	BaseURL string

	// HTTPClient is the HTTP client to use (optional).
	HTTPClient *http.Client

	// Timeout for requests (optional, defaults to 30s). Ignored when
	// HTTPClient is supplied.
	Timeout time.Duration

	// RelayerToken is the bearer token presented on settle requests
	// (optional; required when the server gates settlement).
	RelayerToken string

	// OwnerToken authenticates admin requests (optional).
	OwnerToken string
}

// NewClient creates a client for the engine at config.BaseURL.
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = &ClientConfig{}
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	return &Client{
		baseURL:      config.BaseURL,
		httpClient:   httpClient,
		relayerToken: config.RelayerToken,
		ownerToken:   config.OwnerToken,
	}
}

// VerifyNative dry-runs a native permit.
func (c *Client) VerifyNative(ctx context.Context, req permitpay.VerifyNativeRequest) (*permitpay.VerifyResponse, error) {
	var resp permitpay.VerifyResponse
	if err := c.postJSON(ctx, "/verify/native", req, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VerifyToken dry-runs a token permit.
func (c *Client) VerifyToken(ctx context.Context, req permitpay.VerifyTokenRequest) (*permitpay.VerifyResponse, error) {
	var resp permitpay.VerifyResponse
	if err := c.postJSON(ctx, "/verify/token", req, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SettleNative executes a native settlement.
func (c *Client) SettleNative(ctx context.Context, req permitpay.SettleNativeRequest) (*permitpay.SettleResponse, error) {
	return c.settle(ctx, "/settle/native", req)
}

// SettleToken executes a token settlement.
func (c *Client) SettleToken(ctx context.Context, req permitpay.SettleTokenRequest) (*permitpay.SettleResponse, error) {
	return c.settle(ctx, "/settle/token", req)
}

func (c *Client) settle(ctx context.Context, path string, req interface{}) (*permitpay.SettleResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settle request: %w", err)
	}

	status, responseBody, err := c.do(ctx, "POST", path, body, c.relayerHeaders())
	if err != nil {
		return nil, err
	}

	var settleResp permitpay.SettleResponse
	if err := json.Unmarshal(responseBody, &settleResp); err != nil {
		return nil, fmt.Errorf("settle failed (%d): %s", status, string(responseBody))
	}

	// Non-200 responses still decode; surface the engine's reason as a
	// settlement error so callers can branch on the code.
	if status != http.StatusOK {
		if settleResp.ErrorReason != "" {
			return nil, permitpay.NewSettlementError(
				settleResp.ErrorReason,
				fmt.Sprintf("engine returned %d", status),
				nil,
			)
		}
		return nil, fmt.Errorf("settle failed (%d): %s", status, string(responseBody))
	}

	return &settleResp, nil
}

// FeeConfig fetches the current fee configuration.
func (c *Client) FeeConfig(ctx context.Context) (*permitpay.FeeConfigPayload, error) {
	status, responseBody, err := c.do(ctx, "GET", "/config", nil, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("config request failed (%d): %s", status, string(responseBody))
	}

	var cfg permitpay.FeeConfigPayload
	if err := json.Unmarshal(responseBody, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config response: %w", err)
	}
	return &cfg, nil
}

// Health checks that the engine is up.
func (c *Client) Health(ctx context.Context) error {
	status, responseBody, err := c.do(ctx, "GET", "/health", nil, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("health check failed (%d): %s", status, string(responseBody))
	}
	return nil
}

// SetTreasury updates the treasury address. Requires the owner token.
func (c *Client) SetTreasury(ctx context.Context, req permitpay.SetTreasuryRequest) (*permitpay.FeeConfigPayload, error) {
	return c.admin(ctx, "/admin/treasury", req)
}

// SetFeeBounds updates the default and maximum fee rates. Requires the
// owner token.
func (c *Client) SetFeeBounds(ctx context.Context, req permitpay.SetFeeBoundsRequest) (*permitpay.FeeConfigPayload, error) {
	return c.admin(ctx, "/admin/fee-bounds", req)
}

// SetFeeSigner rotates the authorized fee signer. Requires the owner token.
func (c *Client) SetFeeSigner(ctx context.Context, req permitpay.SetFeeSignerRequest) (*permitpay.FeeConfigPayload, error) {
	return c.admin(ctx, "/admin/fee-signer", req)
}

func (c *Client) admin(ctx context.Context, path string, req interface{}) (*permitpay.FeeConfigPayload, error) {
	var cfg permitpay.FeeConfigPayload
	if err := c.postJSON(ctx, path, req, &cfg, c.ownerHeaders()); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ============================================================================
// Internals
// ============================================================================

func (c *Client) postJSON(ctx context.Context, path string, in, out interface{}, headers map[string]string) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	status, responseBody, err := c.do(ctx, "POST", path, body, headers)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("request to %s failed (%d): %s", path, status, string(responseBody))
	}

	if err := json.Unmarshal(responseBody, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, headers map[string]string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, responseBody, nil
}

func (c *Client) relayerHeaders() map[string]string {
	if c.relayerToken == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.relayerToken}
}

func (c *Client) ownerHeaders() map[string]string {
	if c.ownerToken == "" {
		return nil
	}
	return map[string]string{"X-Owner-Token": c.ownerToken}
}
