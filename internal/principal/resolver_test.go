package principal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

// stubVerifier returns fixed claims or a fixed error.
type stubVerifier struct {
	claims map[string]any
	err    error
}

func (v *stubVerifier) Verify(context.Context, string) (map[string]any, error) {
	return v.claims, v.err
}

func TestResolveWithoutBearerIsAnonymous(t *testing.T) {
	resolver := NewResolver(&stubVerifier{err: errors.New("unused")}, nil, nil, "", nil, zap.NewNop())

	for _, header := range []string{"", "Basic abc", "Bearer", "Bearer   "} {
		if got := resolver.Resolve(context.Background(), header); got.Authenticated {
			t.Fatalf("header %q resolved to %+v", header, got)
		}
	}
}

func TestResolveFailsClosedOnBadToken(t *testing.T) {
	resolver := NewResolver(&stubVerifier{err: errors.New("expired")}, nil, nil, "", nil, zap.NewNop())

	got := resolver.Resolve(context.Background(), "Bearer some-token")
	if got.Authenticated {
		t.Fatalf("bad token resolved to %+v", got)
	}
}

func TestResolveFetchesProfile(t *testing.T) {
	var authHeader string
	profileServer := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sub":"auth0|abc","email":"Dev@Example.com"}`))
	}))
	defer profileServer.Close()

	verifier := &stubVerifier{claims: map[string]any{
		"aud": []any{"portfolio-api", profileServer.URL},
		"exp": float64(time.Now().Add(time.Hour).Unix()),
	}}
	admins := NewAdminSet([]string{"dev@example.com"})
	resolver := NewResolver(verifier, nil, admins, "portfolio-api", profileServer.Client(), zap.NewNop())

	got := resolver.Resolve(context.Background(), "bearer the-token")
	if !got.Authenticated {
		t.Fatal("expected authenticated principal")
	}
	if got.Subject != "auth0|abc" || got.Email != "Dev@Example.com" {
		t.Fatalf("unexpected identity: %+v", got)
	}
	if !got.IsAdmin {
		t.Fatal("admin set lookup should be case-insensitive")
	}
	if authHeader != "Bearer the-token" {
		t.Fatalf("token not forwarded to profile endpoint: %q", authHeader)
	}
}

func TestResolveWithoutIdentityAudienceIsAnonymous(t *testing.T) {
	verifier := &stubVerifier{claims: map[string]any{"aud": "portfolio-api"}}
	resolver := NewResolver(verifier, nil, nil, "portfolio-api", nil, zap.NewNop())

	if got := resolver.Resolve(context.Background(), "Bearer token"); got.Authenticated {
		t.Fatalf("token without identity endpoint resolved to %+v", got)
	}
}

func TestResolveFailsClosedOnProfileError(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
		"missing fields": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"sub":"auth0|abc"}`))
		},
		"garbage body": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		},
	}

	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			profileServer := httptest.NewTLSServer(handler)
			defer profileServer.Close()

			verifier := &stubVerifier{claims: map[string]any{
				"aud": []any{"portfolio-api", profileServer.URL},
			}}
			resolver := NewResolver(verifier, nil, nil, "portfolio-api", profileServer.Client(), zap.NewNop())

			if got := resolver.Resolve(context.Background(), "Bearer token"); got.Authenticated {
				t.Fatalf("expected anonymous, got %+v", got)
			}
		})
	}
}

func TestResolveUsesCache(t *testing.T) {
	cache, s := setupTestCache(t)
	defer cache.Close()
	defer s.Close()

	calls := 0
	profileServer := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"sub":"auth0|abc","email":"dev@example.com"}`))
	}))
	defer profileServer.Close()

	verifier := &stubVerifier{claims: map[string]any{
		"aud": []any{"portfolio-api", profileServer.URL},
		"exp": float64(time.Now().Add(time.Hour).Unix()),
	}}
	resolver := NewResolver(verifier, cache, nil, "portfolio-api", profileServer.Client(), zap.NewNop())

	first := resolver.Resolve(context.Background(), "Bearer cached-token")
	second := resolver.Resolve(context.Background(), "Bearer cached-token")
	if !first.Authenticated || !second.Authenticated {
		t.Fatalf("resolution failed: %+v / %+v", first, second)
	}
	if calls != 1 {
		t.Fatalf("expected one profile fetch, got %d", calls)
	}
}
