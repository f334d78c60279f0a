package httpexec

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ggoodman/booking-gateway/auth"
	"github.com/ggoodman/booking-gateway/executor"
)

func newBookingApp(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tools", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]executor.Descriptor{{Name: "list_technicians"}, {Name: "book"}})
	})
	mux.HandleFunc("POST /api/tools/list_technicians", func(w http.ResponseWriter, r *http.Request) {
		var body callBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"caller": body.Caller.UserID, "technicians": []string{"t1", "t2"}})
	})
	mux.HandleFunc("POST /api/tools/book", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":-32010,"message":"slot already taken"}}`))
	})
	mux.HandleFunc("POST /api/tools/cancel", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":{"message":"bookingId is required"}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func mustClient(t *testing.T, base string) *Client {
	t.Helper()
	c, err := New(context.Background(), base)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return c
}

func TestClient_Tools(t *testing.T) {
	srv := newBookingApp(t)
	c := mustClient(t, srv.URL+"/api")
	if got := c.Tools(); len(got) != 2 || got[0].Name != "list_technicians" {
		t.Fatalf("unexpected tools %+v", got)
	}
}

func TestClient_Execute(t *testing.T) {
	srv := newBookingApp(t)
	c := mustClient(t, srv.URL+"/api")
	ident := auth.NewIdentity("u7", "u7@example.com", "customer", auth.ScopeRead)
	ctx := context.Background()

	t.Run("ok", func(t *testing.T) {
		res, err := c.Execute(ctx, "list_technicians", nil, ident)
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		var out struct {
			Caller string `json:"caller"`
		}
		if err := json.Unmarshal(res.(json.RawMessage), &out); err != nil || out.Caller != "u7" {
			t.Fatalf("unexpected result %s (%v)", res, err)
		}
	})

	t.Run("domain error keeps code", func(t *testing.T) {
		_, err := c.Execute(ctx, "book", json.RawMessage(`{}`), ident)
		var ee *executor.Error
		if !errors.As(err, &ee) || ee.Code != -32010 || ee.Message != "slot already taken" {
			t.Fatalf("unexpected error %v", err)
		}
	})

	t.Run("invalid arguments", func(t *testing.T) {
		_, err := c.Execute(ctx, "cancel", json.RawMessage(`{}`), ident)
		var ee *executor.Error
		if !errors.As(err, &ee) || ee.Code != executor.CodeInvalidParams {
			t.Fatalf("unexpected error %v", err)
		}
	})

	t.Run("unknown tool", func(t *testing.T) {
		if _, err := c.Execute(ctx, "missing", nil, ident); !errors.Is(err, executor.ErrUnknownTool) {
			t.Fatalf("want ErrUnknownTool, got %v", err)
		}
	})
}

func TestNew_RejectsBadURL(t *testing.T) {
	if _, err := New(context.Background(), "ftp://example.com"); err == nil {
		t.Fatalf("expected scheme error")
	}
}
