// Package api provides the HTTP admin surface of a statesocket server.
//
// Endpoints:
//   - GET  /api/state               current state and version
//   - PUT  /api/state?broadcast=b   replace the state (broadcast defaults to true)
//   - GET  /api/version             current version
//   - POST /api/broadcast           push the state to every client
//   - POST /api/sync                save the state now
//   - POST /api/backup              back up the persisted state
//   - GET  /api/connections         connected clients
//   - GET  /healthz                 liveness and uptime
//   - GET  /metrics                 Prometheus metrics
//   - GET  /ws                      WebSocket upgrade (when configured)
//   - POST /mcp                     MCP JSON-RPC endpoint (when configured)
//
// Errors are returned as {"error": "..."}.
package api
