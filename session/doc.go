/*
Package session manages one authoritative application state shared by many
WebSocket connections.

A Manager owns the state value and its version, a registry of live
connections, a message pipeline and two optional timers: a heartbeat that
pings every connection and closes the silent ones, and a periodic sync that
saves the state through a persistence Adapter.

Transports feed three events into the manager:

	mgr.HandleOpen(ctx, conn)          // registers conn, sends initial_state
	mgr.HandleMessage(ctx, conn, data) // pong, or validate -> middleware -> handler
	mgr.HandleClose(conn)              // deregisters conn

Messages are JSON objects with a string "type" field. Each type is served by
at most one handler; a handler reads the state and replaces it through its
HandlerContext. Every mutation is serialized, versioned when versioning is
enabled and saved through the adapter.

Wire frames written by the manager:

	{"type":"initial_state","data":<state>}
	{"type":"state_update","data":<state>}
	{"type":"ping"}

Clients answer a ping with the bare text pong.

Errors never escape the event entry points. They are wrapped in *Error with
a Kind and handed to Hooks.OnError, or logged when no hook is set.
*/
package session
