// Package mcp holds the Model Context Protocol payloads exchanged inside
// JSON-RPC envelopes: method names, the initialize handshake, capability sets
// and the request/result shapes of each feature domain.
//
// The types carry no behavior beyond small validation helpers. The session
// package moves them around as raw params and results; client and server
// decode them.
//
// Absent capability domains are nil pointers and are omitted from the wire,
// never sent as empty objects:
//
//	caps := mcp.ServerCapabilities{Tools: &mcp.ToolsCapability{ListChanged: true}}
//	// {"tools":{"listChanged":true}}
package mcp
