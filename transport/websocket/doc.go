// Package websocket is the gorilla/websocket transport for a session
// manager.
//
// A Hub upgrades HTTP requests, gives every connection a UUID and runs two
// goroutines per client: readPump forwards each inbound frame to
// EventHandler.HandleMessage, writePump drains a buffered queue so that
// sends from the manager never block on the network. Protocol-level
// ping/pong frames keep idle TCP connections alive; the application
// heartbeat ({"type":"ping"} / pong) is run by the session manager.
//
// Usage:
//
//	hub := websocket.NewHub(manager, websocket.Options{})
//	router.Handle("/ws", hub)
//	...
//	hub.Shutdown(ctx)
//
// Connection lifecycle:
//
// 1. Client connects and is registered with the hub
// 2. HandleOpen sends the initial state
// 3. Client sends messages, receives state updates and pings
// 4. Disconnection or Close triggers HandleClose
package websocket
