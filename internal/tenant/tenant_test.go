package tenant

import (
	"context"
	"testing"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
)

func TestIdentityContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	if _, ok := FromContext(ctx); ok {
		t.Fatal("plain context should carry no identity")
	}

	id := Identity{UserID: "usr_1", ProjectID: "prj_1"}
	got, ok := FromContext(WithIdentity(ctx, id))
	if !ok || got != id {
		t.Fatalf("FromContext = %+v, %v", got, ok)
	}
}

func TestFromContextRejectsPartialIdentity(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{UserID: "usr_1"})
	if _, ok := FromContext(ctx); ok {
		t.Fatal("identity without a project must not resolve")
	}
}

func TestRunRejectsMissingIdentity(t *testing.T) {
	r := NewRunner(nil, nil)

	err := r.Run(context.Background(), Identity{}, nil)
	if !storage.IsTenantDenied(err) {
		t.Fatalf("expected tenant denied, got %v", err)
	}
	err = r.RunFromContext(context.Background(), nil)
	if !storage.IsTenantDenied(err) {
		t.Fatalf("expected tenant denied, got %v", err)
	}
}
