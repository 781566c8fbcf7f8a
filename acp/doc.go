// Package acp implements the client side of the Agent Client Protocol:
// spawning an agent subprocess and exchanging newline-delimited JSON-RPC
// 2.0 frames with it over stdio.
//
// # Overview
//
// A Connection owns one agent process. It speaks the protocol in both
// directions: the client issues requests (session/new, session/prompt),
// the agent streams session/update notifications and issues its own
// requests back (session/request_permission, fs/*, terminal/*).
//
// # Connection Lifecycle
//
//	conn := acp.NewConnection(config, callbacks)
//	result, err := conn.CreateSession(ctx, cwd, nil)   // spawns on demand
//	...
//	conn.Close()
//
// EnsureReady spawns the process and performs the initialize handshake
// lazily; every typed operation calls it first. When the process dies the
// connection moves to StateDisconnected, fails all pending calls, and the
// next operation spawns a fresh process. There is no automatic restart,
// and Close is terminal.
//
// # Frame Classification
//
// Each inbound line is classified by shape: a method with no id is a
// notification, a method with an id is a request from the agent, and no
// method means a response to one of our calls. Responses are correlated
// to callers through their numeric id; agent request ids are echoed back
// byte-for-byte so the agent's id type is preserved.
//
// # Callback Ordering
//
// session/update notifications are delivered synchronously from the read
// loop, so updates arrive in wire order. Agent requests are dispatched on
// their own goroutines, which keeps a permission prompt that is waiting
// on the user from stalling the update stream.
//
// # Capabilities
//
// The handshake advertises fs and terminal capabilities only when the
// corresponding handler is present in ConnectionConfig. Requests for a
// capability that was not offered are rejected with a method-not-found
// error.
package acp
