package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all escrowd tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("escrowd", "0.1.0")
	client := NewEscrowdClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetTransaction, h.HandleGetTransaction)
	s.AddTool(ToolGetTransactionHistory, h.HandleGetTransactionHistory)
	s.AddTool(ToolListPartyTransactions, h.HandleListPartyTransactions)
	s.AddTool(ToolGetOffer, h.HandleGetOffer)
	s.AddTool(ToolResolveDispute, h.HandleResolveDispute)
	s.AddTool(ToolSeedOffer, h.HandleSeedOffer)
	s.AddTool(ToolCapturePayment, h.HandleCapturePayment)

	return s
}
