// Package mcp exposes the statesocket admin operations as Model Context
// Protocol tools.
//
// MCP Tools:
//   - get_state: current state and version
//   - get_version: current version
//   - set_state: replace the state, optionally broadcasting it
//   - broadcast_state: push the state to every client
//   - sync_state: save the state now
//   - create_backup: back up the persisted state
//   - list_connections: list connected clients
//
// Backends:
//
// AdminBackend runs the tools in-process against a session.Admin.
// HTTPBackend proxies them to the REST API of a running server, which is
// what the stdio mode uses when a server is already listening.
//
// Usage:
//
//	// Stdio mode
//	srv := mcp.NewServer(mcp.AdminBackend{Admin: manager}, version)
//	srv.ServeStdio()
//
//	// HTTP mode
//	router.Handle("/mcp", srv)
package mcp
