// Package mcp provides an MCP (Model Context Protocol) server wrapper that
// gates tool calls behind x402 payments. Payment travels in the JSON-RPC
// request's params._meta["x402/payment"] field; settlement evidence is
// injected into the result's _meta["x402/payment-response"].
package mcp

import (
	"fmt"
	"net/http"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	x402gate "github.com/becomeliminal/x402-gate"
)

// ToolResource returns the canonical resource URL for a tool.
func ToolResource(toolName string) string {
	return fmt.Sprintf("mcp://tools/%s", toolName)
}

// PaidServer wraps an MCP server and adds x402 payment protection to
// selected tools.
type PaidServer struct {
	mcpServer *mcpserver.MCPServer
	cfg       x402gate.Config
	pricing   map[string]x402gate.Pricer
}

// NewPaidServer creates a new MCP server with x402 payment support. Tools
// added with AddTool are free; AddPaidTool and AddDynamicTool attach
// pricing policies.
func NewPaidServer(name, version string, cfg x402gate.Config, opts ...mcpserver.ServerOption) (*PaidServer, error) {
	if cfg.Facilitator == nil {
		return nil, fmt.Errorf("facilitator is required")
	}
	return &PaidServer{
		mcpServer: mcpserver.NewMCPServer(name, version, opts...),
		cfg:       cfg,
		pricing:   make(map[string]x402gate.Pricer),
	}, nil
}

// AddTool adds a free tool (no payment required).
func (s *PaidServer) AddTool(tool mcpproto.Tool, handler mcpserver.ToolHandlerFunc) {
	s.mcpServer.AddTool(tool, handler)
}

// AddPaidTool adds a tool with a fixed price per call.
func (s *PaidServer) AddPaidTool(tool mcpproto.Tool, price x402gate.RequirementConfig, handler mcpserver.ToolHandlerFunc) error {
	if err := price.Validate(); err != nil {
		return fmt.Errorf("invalid price for tool %s: %w", tool.Name, err)
	}
	return s.AddDynamicTool(tool, x402gate.StaticPrice(price), handler)
}

// AddDynamicTool adds a tool whose price is computed per call, e.g. by a
// deferred-pricing debt ledger.
func (s *PaidServer) AddDynamicTool(tool mcpproto.Tool, pricer x402gate.Pricer, handler mcpserver.ToolHandlerFunc) error {
	if pricer == nil {
		return fmt.Errorf("pricer is required for tool %s", tool.Name)
	}
	s.pricing[tool.Name] = pricer
	s.mcpServer.AddTool(tool, handler)
	return nil
}

// Handler returns the streamable HTTP handler wrapped with payment gating.
func (s *PaidServer) Handler() (http.Handler, error) {
	httpServer := mcpserver.NewStreamableHTTPServer(s.mcpServer)
	return NewPaymentHandler(httpServer, s.cfg, s.pricing)
}

// Start serves the MCP server on the given address.
func (s *PaidServer) Start(addr string) error {
	handler, err := s.Handler()
	if err != nil {
		return fmt.Errorf("failed to create handler: %w", err)
	}
	return http.ListenAndServe(addr, handler)
}

// MCPServer returns the underlying MCP server for advanced usage.
func (s *PaidServer) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
