// Package client is a reconnecting Go client for statesocket servers.
//
// A Client dials the server's /ws endpoint, answers heartbeat pings with a
// bare "pong" and keeps the latest state pushed in initial_state and
// state_update frames. When the connection drops it redials with
// exponential backoff until its context ends or Close is called.
//
//	c := client.New("ws://localhost:8080/ws", client.Options{
//		OnState: func(state json.RawMessage) { fmt.Println(string(state)) },
//	})
//	go c.Run(ctx)
//	c.Send(ctx, map[string]any{"type": "increment"})
package client
