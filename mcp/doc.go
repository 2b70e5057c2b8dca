// Package mcp exposes the settlement engine over the Model Context Protocol
// (github.com/modelcontextprotocol/go-sdk), so agent runtimes can verify and
// settle permits as tool calls.
//
// The tool set mirrors the HTTP API: verify_native, verify_token,
// settle_native, settle_token, and get_fee_config, all speaking the same
// JSON wire format.
//
// Serve over SSE:
//
//	server, err := mcp.NewServer(mcp.ServerConfig{Engine: engine})
//	if err != nil { ... }
//	http.ListenAndServe(":4022", server.Handler())
//
// Or over stdio for local agent hosts:
//
//	server.Run(ctx)
package mcp
