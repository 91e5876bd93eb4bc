package services_test

import (
	"context"
	"testing"

	"opendrama/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithSegmentID(ctx, 42)
	ctx = services.WithGroupID(ctx, "ep-1")
	ctx = services.WithAccountID(ctx, "acct-1")
	ctx = services.WithComponent(ctx, "reconciler")
	ctx = services.WithRequestID(ctx, "req-123")

	if id, ok := services.SegmentIDFromContext(ctx); !ok || id != 42 {
		t.Fatalf("unexpected segment id: %v %v", id, ok)
	}
	if group, ok := services.GroupIDFromContext(ctx); !ok || group != "ep-1" {
		t.Fatalf("unexpected group: %v %v", group, ok)
	}
	if acct, ok := services.AccountIDFromContext(ctx); !ok || acct != "acct-1" {
		t.Fatalf("unexpected account: %v %v", acct, ok)
	}
	if comp, ok := services.ComponentFromContext(ctx); !ok || comp != "reconciler" {
		t.Fatalf("unexpected component: %v %v", comp, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
}

func TestBlankValuesPreserveContext(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithGroupID(ctx, "")
	ctx = services.WithComponent(ctx, "")
	if _, ok := services.GroupIDFromContext(ctx); ok {
		t.Fatal("expected no group value")
	}
	if _, ok := services.ComponentFromContext(ctx); ok {
		t.Fatal("expected no component value")
	}
}
