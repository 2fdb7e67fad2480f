package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgitj/mcp-identity-tracking-sdk/mcp"
	"github.com/dgitj/mcp-identity-tracking-sdk/session"
)

func call[R any](ctx context.Context, s *Session, method mcp.Method, params any) (*R, error) {
	var res R
	if err := session.Call(ctx, s.core, string(method), params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Ping checks that the server is responsive.
func (s *Session) Ping(ctx context.Context) error {
	return session.Call(ctx, s.core, string(mcp.PingMethod), nil, nil)
}

// ListTools lists the server's tools. cursor continues a previous page.
func (s *Session) ListTools(ctx context.Context, cursor string) (*mcp.ListToolsResult, error) {
	return call[mcp.ListToolsResult](ctx, s, mcp.ToolsListMethod, mcp.ListToolsRequest{PaginatedRequest: mcp.PaginatedRequest{Cursor: cursor}})
}

// CallTool invokes a tool. args is encoded as the tool's arguments object.
func (s *Session) CallTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{Name: name}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encode arguments for %s: %w", name, err)
		}
		req.Arguments = raw
	}
	return call[mcp.CallToolResult](ctx, s, mcp.ToolsCallMethod, req)
}

// ListPrompts lists the server's prompts.
func (s *Session) ListPrompts(ctx context.Context, cursor string) (*mcp.ListPromptsResult, error) {
	return call[mcp.ListPromptsResult](ctx, s, mcp.PromptsListMethod, mcp.ListPromptsRequest{PaginatedRequest: mcp.PaginatedRequest{Cursor: cursor}})
}

// GetPrompt renders a prompt with the given arguments.
func (s *Session) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	return call[mcp.GetPromptResult](ctx, s, mcp.PromptsGetMethod, mcp.GetPromptRequest{Name: name, Arguments: args})
}

// ListResources lists the server's resources.
func (s *Session) ListResources(ctx context.Context, cursor string) (*mcp.ListResourcesResult, error) {
	return call[mcp.ListResourcesResult](ctx, s, mcp.ResourcesListMethod, mcp.ListResourcesRequest{PaginatedRequest: mcp.PaginatedRequest{Cursor: cursor}})
}

// ListResourceTemplates lists the server's resource templates.
func (s *Session) ListResourceTemplates(ctx context.Context, cursor string) (*mcp.ListResourceTemplatesResult, error) {
	return call[mcp.ListResourceTemplatesResult](ctx, s, mcp.ResourcesTemplatesListMethod, mcp.ListResourceTemplatesRequest{PaginatedRequest: mcp.PaginatedRequest{Cursor: cursor}})
}

// ReadResource reads the resource at uri.
func (s *Session) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return call[mcp.ReadResourceResult](ctx, s, mcp.ResourcesReadMethod, mcp.ReadResourceRequest{URI: uri})
}

// SubscribeResource asks for notifications/resources/updated about uri.
func (s *Session) SubscribeResource(ctx context.Context, uri string) error {
	return session.Call(ctx, s.core, string(mcp.ResourcesSubscribeMethod), mcp.SubscribeRequest{URI: uri}, nil)
}

// UnsubscribeResource cancels a subscription.
func (s *Session) UnsubscribeResource(ctx context.Context, uri string) error {
	return session.Call(ctx, s.core, string(mcp.ResourcesUnsubscribeMethod), mcp.UnsubscribeRequest{URI: uri}, nil)
}

// SetLoggingLevel sets the minimum level of log messages the server sends.
func (s *Session) SetLoggingLevel(ctx context.Context, level mcp.LoggingLevel) error {
	return session.Call(ctx, s.core, string(mcp.LoggingSetLevelMethod), mcp.SetLevelRequest{Level: level}, nil)
}

// Complete asks for completions of an argument.
func (s *Session) Complete(ctx context.Context, ref mcp.ResourceReference, arg mcp.CompleteArgument) (*mcp.CompleteResult, error) {
	return call[mcp.CompleteResult](ctx, s, mcp.CompletionCompleteMethod, mcp.CompleteRequest{Ref: ref, Argument: arg})
}

// SendRootsListChanged tells the server the roots changed.
func (s *Session) SendRootsListChanged(ctx context.Context) error {
	return s.core.SendNotification(ctx, string(mcp.RootsListChangedNotificationMethod), nil)
}

// SendProgress reports progress for a server request that carried token.
func (s *Session) SendProgress(ctx context.Context, token mcp.ProgressToken, progress, total float64, message string) error {
	return s.core.SendNotification(ctx, string(mcp.ProgressNotificationMethod), mcp.ProgressNotificationParams{
		ProgressToken: token,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
}
