// Package mcpserver exposes bot channels over the Model Context Protocol (MCP).
//
// The server is a chat platform for clients that speak MCP instead of a
// chat service. It uses the mark3labs/mcp-go library for the protocol and
// provides two tools: send_message posts into a channel exactly like a chat
// user would, and read_messages returns the channel transcript including the
// relayed program output and the final exit report.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.Start(ctx, handler.OnMessage)
package mcpserver
