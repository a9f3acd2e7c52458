package client

import (
	"context"
	"testing"

	cidpkg "github.com/SilexsecureTeam/Defcomm-sub000/internal/cid"
)

func TestBuildDialHeaders(t *testing.T) {
	ctx := cidpkg.WithCID(context.Background(), "cid-1")
	headers := buildDialHeaders(ctx, "defcomm-client/test", "tok")

	if got := headers["User-Agent"]; len(got) != 1 || got[0] != "defcomm-client/test" {
		t.Fatalf("user agent: %v", got)
	}
	if got := headers["Authorization"]; len(got) != 1 || got[0] != "Bearer tok" {
		t.Fatalf("authorization: %v", got)
	}
	if got := headers[cidpkg.HeaderName]; len(got) != 1 || got[0] != "cid-1" {
		t.Fatalf("correlation id: %v", got)
	}
}

func TestBuildDialHeaders_NoTokenNoCID(t *testing.T) {
	headers := buildDialHeaders(context.Background(), "ua", "")

	if _, ok := headers["Authorization"]; ok {
		t.Fatalf("empty token produced an Authorization header")
	}
	if _, ok := headers[cidpkg.HeaderName]; ok {
		t.Fatalf("missing cid produced a correlation header")
	}
}
