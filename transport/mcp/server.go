package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/wricardo/mcp-training/statesocket/log"
)

// Server exposes the session admin operations as MCP tools.
type Server struct {
	backend   Backend
	mcpServer *server.MCPServer
	logger    zerolog.Logger
}

// NewServer creates an MCP server whose tools call backend.
func NewServer(backend Backend, version string) *Server {
	s := &Server{backend: backend, logger: log.WithComponent("mcp")}

	s.mcpServer = server.NewMCPServer(
		"statesocket",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions(`statesocket - MCP admin interface

statesocket keeps one shared JSON state that every WebSocket client observes.
These tools inspect and administer it.

AVAILABLE TOOLS:
- get_state: Current state and version
- get_version: Current version (-1 when versioning is disabled)
- set_state: Replace the whole state (optionally broadcast it)
- broadcast_state: Push the current state to every client
- sync_state: Save the current state to storage now
- create_backup: Ask the storage adapter for a backup
- list_connections: List connected clients`),
	)

	s.registerTools()
	return s
}

// MCPServer returns the underlying MCP server for serving.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio serves MCP over stdin/stdout until stdin closes.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP handles single JSON-RPC messages posted to the /mcp endpoint.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	response := s.mcpServer.HandleMessage(r.Context(), body)
	if response == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	responseData, err := json.Marshal(response)
	if err != nil {
		http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseData)
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	noArgs := mcp.ToolInputSchema{
		Type:       "object",
		Properties: map[string]interface{}{},
	}

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_state",
		Description: "Get the current shared state and its version",
		InputSchema: noArgs,
	}, s.handleGetState)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_version",
		Description: "Get the current state version",
		InputSchema: noArgs,
	}, s.handleGetVersion)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "set_state",
		Description: "Replace the whole shared state",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"state": map[string]interface{}{
					"type":        "object",
					"description": "The new state as a JSON object",
				},
				"broadcast": map[string]interface{}{
					"type":        "boolean",
					"description": "Push the new state to every connected client (default true)",
				},
			},
			Required: []string{"state"},
		},
	}, s.handleSetState)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "broadcast_state",
		Description: "Send the current state to every connected client",
		InputSchema: noArgs,
	}, s.handleBroadcast)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sync_state",
		Description: "Save the current state to storage immediately",
		InputSchema: noArgs,
	}, s.handleSync)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "create_backup",
		Description: "Create a storage backup of the persisted state",
		InputSchema: noArgs,
	}, s.handleBackup)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "list_connections",
		Description: "List the connected WebSocket clients",
		InputSchema: noArgs,
	}, s.handleListConnections)
}

// Tool handlers

func (s *Server) handleGetState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resp, err := s.backend.State(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(formatState(resp)), nil
}

func (s *Server) handleGetVersion(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resp, err := s.backend.State(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Version: %d", resp.Version)), nil
}

func (s *Server) handleSetState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})

	rawState, ok := args["state"]
	if !ok {
		return mcp.NewToolResultError("state is required"), nil
	}
	// Clients sometimes send the object as a JSON string.
	if text, isString := rawState.(string); isString {
		var decoded interface{}
		if err := json.Unmarshal([]byte(text), &decoded); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("state is not valid JSON: %v", err)), nil
		}
		rawState = decoded
	}

	broadcast := true
	if b, ok := args["broadcast"].(bool); ok {
		broadcast = b
	}

	data, err := json.Marshal(rawState)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	resp, err := s.backend.SetState(ctx, data, broadcast)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	s.logger.Info().
		Int64("version", resp.Version).
		Bool("broadcast", broadcast).
		Msg("state replaced through MCP")
	return mcp.NewToolResultText("State updated\n" + formatState(resp)), nil
}

func (s *Server) handleBroadcast(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	summary, err := s.backend.Broadcast(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Broadcast to %d clients: %d delivered, %d failed",
		summary.Attempted, summary.Succeeded, summary.Failed)), nil
}

func (s *Server) handleSync(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.backend.Sync(ctx); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("State saved"), nil
}

func (s *Server) handleBackup(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.backend.Backup(ctx); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("Backup created"), nil
}

func (s *Server) handleListConnections(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conns, err := s.backend.Connections(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(conns) == 0 {
		return mcp.NewToolResultText("No connected clients"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d connected clients:\n", len(conns))
	for _, c := range conns {
		fmt.Fprintf(&b, "- %s connected %s, last seen %s\n",
			c.ID, c.ConnectedAt.Format("15:04:05"), c.LastSeen.Format("15:04:05"))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func formatState(resp StateResponse) string {
	var pretty strings.Builder
	fmt.Fprintf(&pretty, "Version: %d\n", resp.Version)

	var v interface{}
	if err := json.Unmarshal(resp.State, &v); err != nil {
		pretty.Write(resp.State)
		return pretty.String()
	}
	indented, _ := json.MarshalIndent(v, "", "  ")
	pretty.WriteString("State:\n")
	pretty.Write(indented)
	return pretty.String()
}
