// Package proxygateway exposes the HTTP surface of the mcpproxy session
// manager: the /sse and /message pair for SSE browsers, the /mcp endpoint for
// streamable HTTP browsers, and the /health and /config routes that browser
// UIs poll. Cross-origin access is handled here so browser clients on other
// origins can reach the proxy and read the Mcp-Session-Id response header.
package proxygateway
