package mcp

import (
	"slices"

	"github.com/dgitj/mcp-identity-tracking-sdk/jsonrpc"
)

// LatestProtocolVersion is offered by clients and chosen by servers when the
// client asks for a version they do not know.
const LatestProtocolVersion = "2025-06-18"

// SupportedProtocolVersions is every version accepted in initialize, newest
// first.
var SupportedProtocolVersions = []string{
	LatestProtocolVersion,
	"2025-03-26",
	"2024-11-05",
}

// IsSupportedProtocolVersion reports whether v is in SupportedProtocolVersions.
func IsSupportedProtocolVersion(v string) bool {
	return slices.Contains(SupportedProtocolVersions, v)
}

// ImplementationInfo names a client or server implementation. The server
// uses the client's Name as its identity.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitzero"`
}

// ClientCapabilities is what a client offers in initialize.
type ClientCapabilities struct {
	Roots        *RootsCapability    `json:"roots,omitempty"`
	Sampling     *SamplingCapability `json:"sampling,omitempty"`
	Experimental map[string]any      `json:"experimental,omitempty"`
}

// RootsCapability: the client answers roots/list.
type RootsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// SamplingCapability: the client answers sampling/createMessage.
type SamplingCapability struct{}

// ServerCapabilities is what a server advertises in its initialize result.
// A nil domain is unsupported.
type ServerCapabilities struct {
	Logging      *LoggingCapability     `json:"logging,omitempty"`
	Prompts      *PromptsCapability     `json:"prompts,omitempty"`
	Resources    *ResourcesCapability   `json:"resources,omitempty"`
	Tools        *ToolsCapability       `json:"tools,omitempty"`
	Completions  *CompletionsCapability `json:"completions,omitempty"`
	Experimental map[string]any         `json:"experimental,omitempty"`
}

type PromptsCapability struct {
	ListChanged bool `json:"listChanged"`
}

type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe"`
	ListChanged bool `json:"listChanged"`
}

type ToolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

type LoggingCapability struct{}

type CompletionsCapability struct{}

// InitializeRequest is the params of initialize.
type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
}

// InitializeResult is the server's answer to initialize.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitzero"`
	BaseMetadata
}

// BaseMetadata is the optional _meta object of results.
type BaseMetadata struct {
	Meta map[string]any `json:"_meta,omitempty"`
}

// EmptyResult answers requests that return nothing, such as ping.
type EmptyResult struct {
	BaseMetadata
}

// PaginatedRequest is embedded in list requests.
type PaginatedRequest struct {
	Cursor string `json:"cursor,omitzero"`
}

// PaginatedResult is embedded in list results. An empty NextCursor ends the
// listing.
type PaginatedResult struct {
	NextCursor string `json:"nextCursor,omitzero"`
}

// CancelledNotification is the params of notifications/cancelled.
type CancelledNotification struct {
	RequestID *jsonrpc.RequestID `json:"requestId"`
	Reason    string             `json:"reason,omitzero"`
}

// ProgressToken is a string or a number chosen by the requester.
type ProgressToken any

// ProgressNotificationParams is the params of notifications/progress.
type ProgressNotificationParams struct {
	ProgressToken ProgressToken `json:"progressToken"`
	Progress      float64       `json:"progress"`
	Total         float64       `json:"total,omitzero"`
	Message       string        `json:"message,omitzero"`
}
