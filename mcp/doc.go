// Package mcp implements the client side of the tool protocol: JSON-RPC 2.0
// over streamable HTTP. One Client serves one (conversation, server) pair and
// owns the initialize handshake, the session header, the cached tool list,
// tool invocation with per-call timeouts, and the inbound direction —
// notifications plus server-initiated sampling and elicitation requests.
package mcp
