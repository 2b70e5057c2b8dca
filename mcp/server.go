package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	permitpay "github.com/permitpay/permitpay-go"
)

// ServerConfig configures the tool server.
type ServerConfig struct {
	// Engine executes the settlements behind the tools. Required.
	Engine *permitpay.Engine

	// Logger for tool-call outcomes (optional, defaults to slog.Default).
	Logger *slog.Logger

	// Name and Version describe the server to connecting clients.
	Name    string
	Version string
}

// Server exposes the settlement engine's operations as MCP tools.
type Server struct {
	engine *permitpay.Engine
	logger *slog.Logger
	mcp    *mcpsdk.Server
}

// NewServer builds the tool server and registers the tool set.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("mcp: engine is required")
	}
	if cfg.Name == "" {
		cfg.Name = "permitpay"
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		engine: cfg.Engine,
		logger: cfg.Logger,
		mcp: mcpsdk.NewServer(&mcpsdk.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
	}
	s.registerTools()
	return s, nil
}

// MCPServer returns the underlying SDK server for advanced wiring.
func (s *Server) MCPServer() *mcpsdk.Server { return s.mcp }

// SSEHandler returns an HTTP handler speaking the SSE transport.
func (s *Server) SSEHandler() http.Handler {
	return mcpsdk.NewSSEHandler(func(req *http.Request) *mcpsdk.Server {
		return s.mcp
	}, nil)
}

// Handler returns a mux with the SSE stream and message endpoints mounted.
func (s *Server) Handler() http.Handler {
	sseHandler := s.SSEHandler()
	mux := http.NewServeMux()
	mux.Handle("/sse", sseHandler)
	mux.Handle("/messages", sseHandler)
	return mux
}

// Run serves the stdio transport until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcp.Run(ctx, &mcpsdk.StdioTransport{})
}

func (s *Server) registerTools() {
	s.mcp.AddTool(&mcpsdk.Tool{
		Name:        "verify_native",
		Description: "Dry-run a native-coin permit: checks signature, expiry, nonce, fee policy, and payer balance without moving funds.",
		InputSchema: verifyNativeSchema,
	}, s.handleVerifyNative)

	s.mcp.AddTool(&mcpsdk.Tool{
		Name:        "verify_token",
		Description: "Dry-run a token permit: checks signature, expiry, nonce, fee policy, and the payer's allowance without moving funds.",
		InputSchema: verifyTokenSchema,
	}, s.handleVerifyToken)

	s.mcp.AddTool(&mcpsdk.Tool{
		Name:        "settle_native",
		Description: "Settle a native-coin permit. The caller attaches principal plus fee as value; principal goes to the recipient and the fee to the treasury.",
		InputSchema: settleNativeSchema,
	}, s.handleSettleNative)

	s.mcp.AddTool(&mcpsdk.Tool{
		Name:        "settle_token",
		Description: "Settle a token permit funded from the payer's pre-approved allowance.",
		InputSchema: settleTokenSchema,
	}, s.handleSettleToken)

	s.mcp.AddTool(&mcpsdk.Tool{
		Name:        "get_fee_config",
		Description: "Report the engine's fee configuration and signing domain: treasury, fee signer, rates, chain id.",
		InputSchema: map[string]interface{}{"type": "object"},
	}, s.handleGetFeeConfig)
}

func (s *Server) handleVerifyNative(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args permitpay.VerifyNativeRequest
	if err := unmarshalArgs(req.Params.Arguments, &args); err != nil {
		return errorResult(err.Error()), nil
	}

	resp, err := s.engine.VerifyNative(ctx, args)
	if err != nil {
		s.logger.Error("verify_native failed", "error", err)
		return errorResult(err.Error()), nil
	}
	return jsonResult(resp, false), nil
}

func (s *Server) handleVerifyToken(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args permitpay.VerifyTokenRequest
	if err := unmarshalArgs(req.Params.Arguments, &args); err != nil {
		return errorResult(err.Error()), nil
	}

	resp, err := s.engine.VerifyToken(ctx, args)
	if err != nil {
		s.logger.Error("verify_token failed", "error", err)
		return errorResult(err.Error()), nil
	}
	return jsonResult(resp, false), nil
}

func (s *Server) handleSettleNative(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args permitpay.SettleNativeRequest
	if err := unmarshalArgs(req.Params.Arguments, &args); err != nil {
		return errorResult(err.Error()), nil
	}

	resp, err := s.engine.SettleNative(ctx, args)
	if err != nil {
		s.logger.Warn("settle_native rejected", "reason", resp.ErrorReason)
		return jsonResult(resp, true), nil
	}

	s.logger.Info("settle_native executed", "settlementId", resp.SettlementID, "payer", resp.Payer)
	return jsonResult(resp, false), nil
}

func (s *Server) handleSettleToken(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args permitpay.SettleTokenRequest
	if err := unmarshalArgs(req.Params.Arguments, &args); err != nil {
		return errorResult(err.Error()), nil
	}

	resp, err := s.engine.SettleToken(ctx, args)
	if err != nil {
		s.logger.Warn("settle_token rejected", "reason", resp.ErrorReason)
		return jsonResult(resp, true), nil
	}

	s.logger.Info("settle_token executed", "settlementId", resp.SettlementID, "payer", resp.Payer)
	return jsonResult(resp, false), nil
}

func (s *Server) handleGetFeeConfig(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	cfg := s.engine.Config().Snapshot()
	payload := permitpay.FeeConfigPayload{
		Engine:       s.engine.EngineAddress().Hex(),
		ChainID:      s.engine.Codec().ChainID().String(),
		Treasury:     cfg.Treasury.Hex(),
		FeeSigner:    cfg.FeeSigner.Hex(),
		SystemFeeBps: cfg.SystemFeeBps,
		MaxFeeBps:    cfg.MaxFeeBps,
	}
	return jsonResult(payload, false), nil
}

func unmarshalArgs(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing arguments")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to unmarshal arguments: %v", err)
	}
	return nil
}

func errorResult(message string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: message},
		},
	}
}

// jsonResult renders v both as text content and as structured content so
// clients can consume either form.
func jsonResult(v interface{}, isError bool) *mcpsdk.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to marshal result: %v", err))
	}

	var structured map[string]interface{}
	if err := json.Unmarshal(data, &structured); err != nil {
		return errorResult(fmt.Sprintf("failed to build structured content: %v", err))
	}

	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: string(data)},
		},
		StructuredContent: structured,
		IsError:           isError,
	}
}
