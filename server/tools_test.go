package server_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dgitj/mcp-identity-tracking-sdk/jsonrpc"
	"github.com/dgitj/mcp-identity-tracking-sdk/mcp"
	"github.com/dgitj/mcp-identity-tracking-sdk/server"
	"github.com/dgitj/mcp-identity-tracking-sdk/session"
	"github.com/dgitj/mcp-identity-tracking-sdk/sessiontest"
	"github.com/google/go-cmp/cmp"
)

type greetArgs struct {
	Name     string   `json:"name" jsonschema:"description=Who to greet"`
	Excited  bool     `json:"excited,omitempty"`
	Nickname []string `json:"nicknames,omitempty"`
}

type sumArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

type sumOut struct {
	Sum int `json:"sum"`
}

func toolServer() *server.Server {
	srv := server.New("tools")
	srv.AddTools(
		server.NewTool("greet", func(ctx context.Context, rc *session.RequestContext, args greetArgs) (*mcp.CallToolResult, error) {
			msg := "Hello, " + args.Name
			if args.Excited {
				msg += "!"
			}
			return server.ToolText(msg), nil
		}, server.WithToolDescription("Say hello")),
		server.NewToolWithOutput("sum", func(ctx context.Context, rc *session.RequestContext, args sumArgs) (sumOut, error) {
			return sumOut{Sum: args.A + args.B}, nil
		}),
		server.NewTool("fail", func(context.Context, *session.RequestContext, struct{}) (*mcp.CallToolResult, error) {
			return nil, errors.New("boom")
		}),
	)
	return srv
}

func TestListToolsSchemas(t *testing.T) {
	t.Parallel()

	cs, _ := sessiontest.Connect(t, toolServer(), server.InitOptions{})
	res, err := cs.ListTools(testContext(t), "")
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	if diff := cmp.Diff([]string{"greet", "sum", "fail"}, names); diff != "" {
		t.Fatalf("tool order mismatch (-want +got):\n%s", diff)
	}

	greet := res.Tools[0]
	if greet.Description != "Say hello" {
		t.Fatalf("description = %q", greet.Description)
	}
	want := mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]mcp.SchemaProperty{
			"name":      {Type: "string", Description: "Who to greet"},
			"excited":   {Type: "boolean"},
			"nicknames": {Type: "array", Items: &mcp.SchemaProperty{Type: "string"}},
		},
		Required: []string{"name"},
	}
	if diff := cmp.Diff(want, greet.InputSchema); diff != "" {
		t.Fatalf("input schema mismatch (-want +got):\n%s", diff)
	}

	sum := res.Tools[1]
	if sum.OutputSchema == nil || sum.OutputSchema.Properties["sum"].Type != "integer" {
		t.Fatalf("unexpected output schema: %+v", sum.OutputSchema)
	}
}

func TestCallTool(t *testing.T) {
	t.Parallel()

	cs, _ := sessiontest.Connect(t, toolServer(), server.InitOptions{})
	ctx := testContext(t)

	res, err := cs.CallTool(ctx, "greet", greetArgs{Name: "Ada", Excited: true})
	if err != nil {
		t.Fatalf("call greet: %v", err)
	}
	if res.IsError || res.Content[0].Text != "Hello, Ada!" {
		t.Fatalf("greet result = %+v", res)
	}

	res, err = cs.CallTool(ctx, "sum", sumArgs{A: 2, B: 3})
	if err != nil {
		t.Fatalf("call sum: %v", err)
	}
	if got, ok := res.StructuredContent["sum"].(float64); !ok || got != 5 {
		t.Fatalf("structured content = %+v", res.StructuredContent)
	}
	if res.Content[0].Text != `{"sum":5}` {
		t.Fatalf("text content = %q", res.Content[0].Text)
	}
}

func TestCallToolErrors(t *testing.T) {
	t.Parallel()

	cs, _ := sessiontest.Connect(t, toolServer(), server.InitOptions{})
	ctx := testContext(t)

	_, err := cs.CallTool(ctx, "nope", nil)
	requireCode(t, err, jsonrpc.ErrorCodeInvalidParams)

	res, err := cs.CallTool(ctx, "greet", map[string]any{"name": "x", "unexpected": 1})
	if err != nil {
		t.Fatalf("call greet: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content[0].Text, "invalid arguments") {
		t.Fatalf("expected invalid arguments tool error, got %+v", res)
	}

	res, err = cs.CallTool(ctx, "fail", nil)
	if err != nil {
		t.Fatalf("call fail: %v", err)
	}
	if !res.IsError || res.Content[0].Text != "boom" {
		t.Fatalf("expected tool error result, got %+v", res)
	}
}
