package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	buf.Reset()
	return rec
}

func TestWrap_AddsSessionAndMessage(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := Wrap(slog.New(slog.NewJSONHandler(&buf, nil)))

	clientID := ""
	ctx := WithSession(context.Background(), &Session{
		ID:   "s1",
		Role: "server",
		ClientID: func() (string, bool) {
			return clientID, clientID != ""
		},
	})

	l.InfoContext(ctx, "before")
	sess, _ := decode(t, &buf)["sess"].(map[string]any)
	if sess["id"] != "s1" || sess["role"] != "server" {
		t.Fatalf("unexpected sess group: %v", sess)
	}
	if _, ok := sess["client_id"]; ok {
		t.Fatalf("client_id logged before it is known: %v", sess)
	}

	clientID = "inspector"
	ctx = WithMessage(ctx, Message{Method: "tools/call", ID: "3", Kind: "request"})
	l.InfoContext(ctx, "after")
	rec := decode(t, &buf)
	sess, _ = rec["sess"].(map[string]any)
	if sess["client_id"] != "inspector" {
		t.Fatalf("unexpected sess group: %v", sess)
	}
	rpc, _ := rec["rpc"].(map[string]any)
	if rpc["method"] != "tools/call" || rpc["id"] != "3" || rpc["type"] != "request" {
		t.Fatalf("unexpected rpc group: %v", rpc)
	}
}

func TestWrap_Idempotent(t *testing.T) {
	t.Parallel()

	l := Wrap(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	if Wrap(l) != l {
		t.Fatal("wrapping twice should return the same logger")
	}
	if Wrap(nil).Enabled(context.Background(), slog.LevelError) {
		t.Fatal("nil logger should discard")
	}
}
