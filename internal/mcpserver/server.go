package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all relayer tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("zkmarket-relayer", "1.0.0")
	client := NewRelayerClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolRegisterCommitment, h.HandleRegisterCommitment)
	s.AddTool(ToolProveCommitment, h.HandleProveCommitment)
	s.AddTool(ToolWithdraw, h.HandleWithdraw)
	s.AddTool(ToolCommitmentStatus, h.HandleCommitmentStatus)
	s.AddTool(ToolRunPayouts, h.HandleRunPayouts)
	s.AddTool(ToolPayoutHistory, h.HandlePayoutHistory)
	s.AddTool(ToolRelayerHealth, h.HandleRelayerHealth)

	return s
}
