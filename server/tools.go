package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgitj/mcp-identity-tracking-sdk/jsonrpc"
	"github.com/dgitj/mcp-identity-tracking-sdk/mcp"
	"github.com/dgitj/mcp-identity-tracking-sdk/session"
	"github.com/invopop/jsonschema"
)

// ToolHandler handles one tools/call for a single tool.
type ToolHandler func(ctx context.Context, rc *session.RequestContext, req *mcp.CallToolRequest) (*mcp.CallToolResult, error)

// Tool pairs a tool descriptor with its handler.
type Tool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// ToolOption configures NewTool.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description               string
	allowAdditionalProperties bool
}

// WithToolDescription sets the description shown in tools/list.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolAllowAdditionalProperties controls whether unknown argument fields
// are accepted. By default the schema sets additionalProperties=false and
// decoding rejects unknown fields.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// ToolText builds a successful result with a single text block.
func ToolText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent(text)}}
}

// ToolErrorf builds a result flagged as a tool error.
func ToolErrorf(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{mcp.TextContent(fmt.Sprintf(format, args...))},
		IsError: true,
	}
}

// NewTool builds a Tool whose arguments decode into A. The input schema is
// reflected from A.
func NewTool[A any](name string, fn func(ctx context.Context, rc *session.RequestContext, args A) (*mcp.CallToolResult, error), opts ...ToolOption) Tool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return Tool{
		Descriptor: mcp.Tool{
			Name:        name,
			Description: cfg.description,
			InputSchema: reflectInputSchema[A](cfg.allowAdditionalProperties),
		},
		Handler: func(ctx context.Context, rc *session.RequestContext, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			a, err := decodeArgs[A](req.Arguments, cfg.allowAdditionalProperties)
			if err != nil {
				return ToolErrorf("invalid arguments: %v", err), nil
			}
			return fn(ctx, rc, a)
		},
	}
}

// NewToolWithOutput builds a Tool with typed input A and typed output O. The
// output is returned as structuredContent and, serialized, as a text block.
func NewToolWithOutput[A, O any](name string, fn func(ctx context.Context, rc *session.RequestContext, args A) (O, error), opts ...ToolOption) Tool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	out := reflectOutputSchema[O]()
	return Tool{
		Descriptor: mcp.Tool{
			Name:         name,
			Description:  cfg.description,
			InputSchema:  reflectInputSchema[A](cfg.allowAdditionalProperties),
			OutputSchema: &out,
		},
		Handler: func(ctx context.Context, rc *session.RequestContext, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			a, err := decodeArgs[A](req.Arguments, cfg.allowAdditionalProperties)
			if err != nil {
				return ToolErrorf("invalid arguments: %v", err), nil
			}
			o, err := fn(ctx, rc, a)
			if err != nil {
				return nil, err
			}
			b, err := json.Marshal(o)
			if err != nil {
				return nil, fmt.Errorf("encode tool output: %w", err)
			}
			res := ToolText(string(b))
			var structured map[string]any
			if err := json.Unmarshal(b, &structured); err == nil {
				res.StructuredContent = structured
			}
			return res, nil
		},
	}
}

func decodeArgs[A any](raw json.RawMessage, allowAdditional bool) (A, error) {
	var a A
	if len(raw) == 0 {
		return a, nil
	}
	if allowAdditional {
		err := json.Unmarshal(raw, &a)
		return a, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	err := dec.Decode(&a)
	return a, err
}

// reflectInputSchema reflects A with invopop/jsonschema and converts it to the
// simplified MCP input schema. Non-object types yield an empty object schema.
func reflectInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: allowAdditional,
		}
	}
	props, required := objectProperties(s)
	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: allowAdditional,
	}
}

func reflectOutputSchema[O any]() mcp.ToolOutputSchema {
	r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	s := r.Reflect(new(O))
	if s == nil || s.Type != "object" {
		return mcp.ToolOutputSchema{Type: "object", Properties: map[string]mcp.SchemaProperty{}}
	}
	props, required := objectProperties(s)
	return mcp.ToolOutputSchema{Type: "object", Properties: props, Required: required}
}

func objectProperties(s *jsonschema.Schema) (map[string]mcp.SchemaProperty, []string) {
	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}
	return props, required
}

func toProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{Type: s.Type, Description: s.Description}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}

// toolSet is the server's mutable tool collection. Listing order follows
// registration order; re-adding a name replaces it in place.
type toolSet struct {
	mu    sync.RWMutex
	order []string
	tools map[string]Tool
}

func (ts *toolSet) list() []mcp.Tool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	out := make([]mcp.Tool, 0, len(ts.order))
	for _, name := range ts.order {
		out = append(out, ts.tools[name].Descriptor)
	}
	return out
}

func (ts *toolSet) get(name string) (Tool, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	t, ok := ts.tools[name]
	return t, ok
}

func (ts *toolSet) add(tools ...Tool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, t := range tools {
		name := t.Descriptor.Name
		if _, exists := ts.tools[name]; !exists {
			ts.order = append(ts.order, name)
		}
		ts.tools[name] = t
	}
}

func (ts *toolSet) remove(names ...string) int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	removed := 0
	for _, name := range names {
		if _, ok := ts.tools[name]; !ok {
			continue
		}
		delete(ts.tools, name)
		removed++
		for i, n := range ts.order {
			if n == name {
				ts.order = append(ts.order[:i], ts.order[i+1:]...)
				break
			}
		}
	}
	return removed
}

// AddTools registers tools and installs the tools/list and tools/call
// handlers that serve them. Adding tools while sessions are ready sends them
// notifications/tools/list_changed if they were promised it.
func (s *Server) AddTools(tools ...Tool) {
	s.mu.Lock()
	if s.tools == nil {
		s.tools = &toolSet{tools: make(map[string]Tool)}
		ts := s.tools
		s.ListTools(func(ctx context.Context, rc *session.RequestContext, _ *mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
			return &mcp.ListToolsResult{Tools: ts.list()}, nil
		})
		s.CallTool(func(ctx context.Context, rc *session.RequestContext, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			t, ok := ts.get(req.Name)
			if !ok || t.Handler == nil {
				return nil, session.NewRequestError(jsonrpc.ErrorCodeInvalidParams, "unknown tool: "+req.Name, nil)
			}
			res, err := t.Handler(ctx, rc, req)
			if err != nil {
				if session.CancelledByPeer(ctx) {
					return nil, err
				}
				return ToolErrorf("%v", err), nil
			}
			if res == nil {
				res = &mcp.CallToolResult{Content: []mcp.ContentBlock{}}
			}
			return res, nil
		})
	}
	ts := s.tools
	s.mu.Unlock()

	ts.add(tools...)
	s.NotifyToolListChanged(context.Background())
}

// RemoveTools unregisters tools by name and reports how many were removed.
func (s *Server) RemoveTools(names ...string) int {
	s.mu.RLock()
	ts := s.tools
	s.mu.RUnlock()
	if ts == nil {
		return 0
	}
	n := ts.remove(names...)
	if n > 0 {
		s.NotifyToolListChanged(context.Background())
	}
	return n
}
