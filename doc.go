// Package mcpwire implements the client-side transport layer of the Model Context
// Protocol (MCP), a JSON-RPC 2.0 based protocol for invoking remote tools exposed
// by MCP servers. This implementation follows the official specification from
// https://spec.modelcontextprotocol.io/specification/.
//
// The package provides one Connection implementation per wire transport: StdioConnection
// (a subprocess speaking newline-framed JSON over its standard streams), SSEConnection
// (a long-lived Server-Sent-Events stream paired with HTTP POST requests), HTTPConnection
// (plain synchronous JSON-RPC over HTTP POST), and StreamableHTTPConnection (HTTP POST
// with SSE-framed responses, session ids, and stream resumability).
//
// Every Connection owns its underlying OS resources, performs the MCP initialize
// handshake on Connect, correlates asynchronous responses with outstanding requests
// by JSON-RPC id, and runs a background liveness monitor that pings idle connections
// and reconnects with exponential backoff when the channel degrades.
package mcpwire
