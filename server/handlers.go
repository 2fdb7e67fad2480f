package server

import (
	"context"

	"github.com/dgitj/mcp-identity-tracking-sdk/jsonrpc"
	"github.com/dgitj/mcp-identity-tracking-sdk/mcp"
	"github.com/dgitj/mcp-identity-tracking-sdk/session"
)

// handleTyped registers fn for method, decoding params into P. A nil result
// is sent as an empty object.
func handleTyped[P, R any](s *Server, method mcp.Method, fn func(context.Context, *session.RequestContext, *P) (*R, error)) {
	s.registry.Handle(string(method), session.TypedHandler(func(ctx context.Context, rc *session.RequestContext, p P) (any, error) {
		res, err := fn(ctx, rc, &p)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return mcp.EmptyResult{}, nil
		}
		return res, nil
	}))
}

// ListPrompts registers the prompts/list handler. Registering it makes the
// server advertise the prompts capability.
func (s *Server) ListPrompts(fn func(ctx context.Context, rc *session.RequestContext, req *mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error)) {
	handleTyped(s, mcp.PromptsListMethod, fn)
}

// GetPrompt registers the prompts/get handler.
func (s *Server) GetPrompt(fn func(ctx context.Context, rc *session.RequestContext, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error)) {
	handleTyped(s, mcp.PromptsGetMethod, fn)
}

// ListResources registers the resources/list handler. Registering it makes
// the server advertise the resources capability.
func (s *Server) ListResources(fn func(ctx context.Context, rc *session.RequestContext, req *mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error)) {
	handleTyped(s, mcp.ResourcesListMethod, fn)
}

// ListResourceTemplates registers the resources/templates/list handler.
func (s *Server) ListResourceTemplates(fn func(ctx context.Context, rc *session.RequestContext, req *mcp.ListResourceTemplatesRequest) (*mcp.ListResourceTemplatesResult, error)) {
	handleTyped(s, mcp.ResourcesTemplatesListMethod, fn)
}

// ReadResource registers the resources/read handler.
func (s *Server) ReadResource(fn func(ctx context.Context, rc *session.RequestContext, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error)) {
	handleTyped(s, mcp.ResourcesReadMethod, fn)
}

// SubscribeResource registers the resources/subscribe handler. Registering it
// sets resources.subscribe in the capabilities.
func (s *Server) SubscribeResource(fn func(ctx context.Context, rc *session.RequestContext, uri string) error) {
	handleTyped(s, mcp.ResourcesSubscribeMethod, func(ctx context.Context, rc *session.RequestContext, req *mcp.SubscribeRequest) (*mcp.EmptyResult, error) {
		return nil, fn(ctx, rc, req.URI)
	})
}

// UnsubscribeResource registers the resources/unsubscribe handler.
func (s *Server) UnsubscribeResource(fn func(ctx context.Context, rc *session.RequestContext, uri string) error) {
	handleTyped(s, mcp.ResourcesUnsubscribeMethod, func(ctx context.Context, rc *session.RequestContext, req *mcp.UnsubscribeRequest) (*mcp.EmptyResult, error) {
		return nil, fn(ctx, rc, req.URI)
	})
}

// ListTools registers the tools/list handler. Registering it makes the
// server advertise the tools capability. AddTools registers its own.
func (s *Server) ListTools(fn func(ctx context.Context, rc *session.RequestContext, req *mcp.ListToolsRequest) (*mcp.ListToolsResult, error)) {
	handleTyped(s, mcp.ToolsListMethod, fn)
}

// CallTool registers the tools/call handler.
func (s *Server) CallTool(fn func(ctx context.Context, rc *session.RequestContext, req *mcp.CallToolRequest) (*mcp.CallToolResult, error)) {
	handleTyped(s, mcp.ToolsCallMethod, fn)
}

// SetLoggingLevel registers the logging/setLevel handler. Unknown levels are
// rejected with invalid params before fn runs. Once fn succeeds the session
// stops forwarding log messages below level.
func (s *Server) SetLoggingLevel(fn func(ctx context.Context, rc *session.RequestContext, level mcp.LoggingLevel) error) {
	handleTyped(s, mcp.LoggingSetLevelMethod, func(ctx context.Context, rc *session.RequestContext, req *mcp.SetLevelRequest) (*mcp.EmptyResult, error) {
		if !mcp.IsValidLoggingLevel(req.Level) {
			return nil, session.NewRequestError(jsonrpc.ErrorCodeInvalidParams, "invalid logging level: "+string(req.Level), nil)
		}
		if err := fn(ctx, rc, req.Level); err != nil {
			return nil, err
		}
		if sess, ok := rc.Session.(*Session); ok {
			sess.SetLogLevel(req.Level)
		}
		return nil, nil
	})
}

// Complete registers the completion/complete handler.
func (s *Server) Complete(fn func(ctx context.Context, rc *session.RequestContext, req *mcp.CompleteRequest) (*mcp.CompleteResult, error)) {
	handleTyped(s, mcp.CompletionCompleteMethod, fn)
}
