// Package mcpproxy relays Model Context Protocol (MCP) traffic between
// browser-held connections and backing MCP servers. The browser sends the
// parameters of the server it wants (a stdio command line or a remote
// endpoint); the proxy launches or dials that server, pairs the two
// connections, and from then on forwards JSON-RPC messages verbatim in both
// directions without inspecting their contents.
//
// # Core entry points
//
//   - Manager is the long-lived orchestration type. Construct it with
//     NewManager, then hand it incoming HTTP requests via
//     CreateSSEConnection, HandleSSEMessage, and HandleStreamable.
//   - Resolver turns raw browser-supplied parameters into a validated
//     ServerConfig (StdioServerConfig, SSEServerConfig, or
//     StreamableHTTPServerConfig).
//   - Factory dials a ServerConfig and returns a live backing connection,
//     spawning a child process for stdio configs and reusing the
//     modelcontextprotocol/go-sdk client transports for remote ones.
//   - Registry tracks live sessions by id so later HTTP requests can be
//     routed to the session they belong to.
//
// Sessions end when either side goes away: a browser disconnect closes the
// backing connection (terminating any child process), and a backing failure
// closes the browser stream. For stdio servers the child's stderr output is
// forwarded to the browser as synthetic "stderr" notifications so launch
// diagnostics are not lost.
//
// When inspecting configurations, use the helper guards and narrowers
// (IsStdio/IsSSE/IsStreamable and AsStdio/AsSSE/AsStreamable) or TransportOf
// to branch on the concrete transport type.
package mcpproxy
