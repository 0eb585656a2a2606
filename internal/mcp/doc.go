// Package mcp implements the client side of the Model Context Protocol:
// JSON-RPC 2.0 message classification, stdio and websocket transports,
// a multiplexing client that correlates responses by id, and pagination
// of the four list operations.
//
// One goroutine per [Client] drains its [Transport]. Requests register
// a pending entry keyed by [RequestID] before they are sent, so any
// number of calls may be outstanding and responses may arrive in any
// order. A transport I/O failure fails every outstanding call.
//
// This package covers the client/host side only; it never acts as an
// MCP server.
package mcp
