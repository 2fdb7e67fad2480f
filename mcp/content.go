package mcp

// Role is the author of a prompt or sampling message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Content block types.
const (
	ContentTypeText         = "text"
	ContentTypeImage        = "image"
	ContentTypeAudio        = "audio"
	ContentTypeResource     = "resource"
	ContentTypeResourceLink = "resource_link"
)

// ContentBlock is one part of a tool result or message. Type selects which
// of the other fields are meaningful.
type ContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitzero"`

	// image and audio
	Data     string `json:"data,omitzero"`
	MimeType string `json:"mimeType,omitzero"`

	Resource *ResourceContents `json:"resource,omitempty"`

	// resource_link
	URI         string `json:"uri,omitzero"`
	Name        string `json:"name,omitzero"`
	Description string `json:"description,omitzero"`
}

// TextContent builds a text block.
func TextContent(text string) ContentBlock {
	return ContentBlock{Type: ContentTypeText, Text: text}
}
