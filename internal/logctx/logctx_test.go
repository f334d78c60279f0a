package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	buf.Reset()
	return rec
}

func TestHandler_AddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)}).With("component", "test")

	ctx := WithRequestData(context.Background(), &RequestData{RequestID: "r1", Method: "POST", Path: "/mcp/messages"})
	ctx = WithSessionData(ctx, &SessionData{SessionID: "s1", UserID: "u1", Role: "customer"})
	ctx = WithRPCMessage(ctx, &RPCMessage{Method: "book", ID: "7", Type: "request"})
	log.InfoContext(ctx, "rpc.inbound")

	rec := decodeLine(t, &buf)
	for _, group := range []string{"req", "sess", "rpc"} {
		if _, ok := rec[group].(map[string]any); !ok {
			t.Fatalf("missing %q group in %v", group, rec)
		}
	}
	for _, group := range []string{"tool", "event"} {
		if _, ok := rec[group]; ok {
			t.Fatalf("unexpected %q group", group)
		}
	}
	if sess := rec["sess"].(map[string]any); sess["id"] != "s1" || sess["role"] != "customer" {
		t.Fatalf("unexpected sess group: %v", sess)
	}
	if req := rec["req"].(map[string]any); req["user_agent"] != nil {
		t.Fatalf("empty user agent should be omitted: %v", req)
	}
}

func TestHandler_LaterValueWins(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)})

	ctx := WithSessionData(context.Background(), &SessionData{SessionID: "s1"})
	ctx = WithSessionData(ctx, &SessionData{SessionID: "s1", UserID: "u9"})
	ctx = WithEventData(ctx, &EventData{Name: "maintenance"})
	ctx = WithToolCallData(ctx, nil)
	log.InfoContext(ctx, "broadcast.done")

	rec := decodeLine(t, &buf)
	if sess := rec["sess"].(map[string]any); sess["user_id"] != "u9" {
		t.Fatalf("unexpected sess group: %v", sess)
	}
	ev, ok := rec["event"].(map[string]any)
	if !ok || ev["name"] != "maintenance" || ev["resource"] != nil {
		t.Fatalf("unexpected event group: %v", rec["event"])
	}
	if _, ok := rec["tool"]; ok {
		t.Fatal("nil tool data should not add a group")
	}
}

func TestHandler_WithGroupKeepsWrapper(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)}).WithGroup("sub")

	ctx := WithToolCallData(context.Background(), &ToolCallData{ToolName: "book_slot"})
	log.InfoContext(ctx, "tool.call", "k", "v")

	rec := decodeLine(t, &buf)
	sub, ok := rec["sub"].(map[string]any)
	if !ok {
		t.Fatalf("missing sub group: %v", rec)
	}
	tool, ok := sub["tool"].(map[string]any)
	if !ok || tool["name"] != "book_slot" {
		t.Fatalf("unexpected tool group: %v", sub)
	}
}
