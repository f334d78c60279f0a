package executor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ggoodman/booking-gateway/auth"
)

type bookArgs struct {
	TechnicianID string `json:"technicianId" jsonschema:"required,description=Technician to book"`
	Slot         string `json:"slot" jsonschema:"required"`
	Notes        string `json:"notes,omitempty"`
}

type noArgs struct{}

func bookTool() Tool {
	return NewTool("book_appointment", func(ctx context.Context, ident *auth.Identity, args bookArgs) (any, error) {
		return map[string]string{"booked": args.TechnicianID + "@" + args.Slot, "by": ident.UserID()}, nil
	}, WithDescription("Book a technician"), WithRequiredScope(auth.ScopeWrite))
}

func mustCatalog(t *testing.T, tools ...Tool) *Catalog {
	t.Helper()
	c, err := NewCatalog(tools...)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return c
}

func TestCatalog_DescriptorSchema(t *testing.T) {
	c := mustCatalog(t, bookTool())
	tools := c.Tools()
	if len(tools) != 1 || tools[0].Name != "book_appointment" || tools[0].RequiredScope != auth.ScopeWrite {
		t.Fatalf("unexpected descriptors: %+v", tools)
	}
	b, err := json.Marshal(tools[0].InputSchema)
	if err != nil {
		t.Fatalf("marshal schema: %v", err)
	}
	s := string(b)
	for _, want := range []string{`"technicianId"`, `"additionalProperties":false`, `"required":["technicianId","slot"]`} {
		if !strings.Contains(s, want) {
			t.Fatalf("schema missing %s: %s", want, s)
		}
	}
}

func TestCatalog_Execute(t *testing.T) {
	c := mustCatalog(t, bookTool())
	writer := auth.NewIdentity("u1", "", "customer", auth.ScopeWrite)
	reader := auth.NewIdentity("u2", "", "customer", auth.ScopeRead)
	ctx := context.Background()

	t.Run("ok", func(t *testing.T) {
		res, err := c.Execute(ctx, "book_appointment", json.RawMessage(`{"technicianId":"t1","slot":"09:00"}`), writer)
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if got := res.(map[string]string)["booked"]; got != "t1@09:00" {
			t.Fatalf("unexpected result %v", res)
		}
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := c.Execute(ctx, "book_appointment", json.RawMessage(`{"technicianId":"t1","bogus":1}`), writer)
		var ee *Error
		if !errors.As(err, &ee) || ee.Code != CodeInvalidParams {
			t.Fatalf("want invalid params error, got %v", err)
		}
	})

	t.Run("missing scope", func(t *testing.T) {
		_, err := c.Execute(ctx, "book_appointment", json.RawMessage(`{}`), reader)
		if !errors.Is(err, ErrForbidden) {
			t.Fatalf("want ErrForbidden, got %v", err)
		}
	})

	t.Run("unknown tool", func(t *testing.T) {
		if _, err := c.Execute(ctx, "nope", nil, writer); !errors.Is(err, ErrUnknownTool) {
			t.Fatalf("want ErrUnknownTool, got %v", err)
		}
	})
}

func TestCatalog_RejectsReservedAndDuplicateNames(t *testing.T) {
	noop := func(context.Context, *auth.Identity, noArgs) (any, error) { return nil, nil }
	if _, err := NewCatalog(NewTool("subscribe", noop)); err == nil {
		t.Fatalf("expected reserved name error")
	}
	if _, err := NewCatalog(NewTool("a", noop), NewTool("a", noop)); err == nil {
		t.Fatalf("expected duplicate name error")
	}
}
