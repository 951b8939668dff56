package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"

	"portfolio/api/internal/principal"
	"portfolio/api/internal/store"
)

// stubResolver maps a fixed token to a fixed principal.
type stubResolver struct {
	token  string
	result principal.Principal
}

func (r *stubResolver) Resolve(_ context.Context, authorization string) principal.Principal {
	if authorization == "Bearer "+r.token {
		return r.result
	}
	return principal.Anonymous
}

func newTestServer(fake *fakeStore) *httptest.Server {
	service := newTestService(fake)
	resolver := &stubResolver{token: "admin-token", result: admin}
	httpServer := NewHTTPServer(service, resolver, "*", zap.NewNop())
	return httptest.NewServer(httpServer.Handler())
}

func decodeResponse(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(&fakeStore{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body := decodeResponse(t, resp)
	if resp.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("unexpected health response: %d %v", resp.StatusCode, body)
	}
}

func TestCreateProjectEndpoint(t *testing.T) {
	fake := &fakeStore{}
	server := newTestServer(fake)
	defer server.Close()

	payload := `{"title":"Portfolio","skillsRequired":["go"],"collaborators":["dev@example.com"]}`

	// Anonymous callers get the error envelope and no write happens.
	resp, err := http.Post(server.URL+"/api/projects", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body := decodeResponse(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	errBody, ok := body["error"].(map[string]any)
	if !ok || errBody["code"] != "UNAUTHORIZED" {
		t.Fatalf("unexpected error envelope: %v", body)
	}

	req, _ := http.NewRequest(http.MethodPost, server.URL+"/api/projects", strings.NewReader(payload))
	req.Header.Set("Authorization", "Bearer admin-token")
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body = decodeResponse(t, resp)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %v", resp.StatusCode, body)
	}
	if body["title"] != "Portfolio" {
		t.Fatalf("unexpected project body: %v", body)
	}
}

func TestListProjectsFilterParsing(t *testing.T) {
	var captured store.ProjectFilter
	fake := &fakeStore{
		listProjectsFn: func(_ context.Context, filter store.ProjectFilter) ([]store.Project, error) {
			captured = filter
			return []store.Project{{ID: bson.NewObjectID(), Title: "Portfolio"}}, nil
		},
	}
	server := newTestServer(fake)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/projects?skill=go&skill=mongo&featured=true&for=recruiters&archived=any&title=my-portfolio")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body := decodeResponse(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, body)
	}

	if len(captured.SkillsRequired) != 2 {
		t.Fatalf("skills not captured: %v", captured.SkillsRequired)
	}
	if captured.Featured == nil || !*captured.Featured {
		t.Fatal("featured filter lost")
	}
	if !captured.AnyArchived {
		t.Fatal("archived=any lost")
	}
	if captured.For != "recruiters" || captured.Title != "my-portfolio" {
		t.Fatalf("unexpected filter: %+v", captured)
	}

	resp, err = http.Get(server.URL + "/api/projects?archived=maybe")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad archived value, got %d", resp.StatusCode)
	}
}

func TestGetProjectNotFound(t *testing.T) {
	server := newTestServer(&fakeStore{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/projects/" + bson.NewObjectID().Hex())
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body := decodeResponse(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %v", resp.StatusCode, body)
	}
}

func TestMeRequiresAuth(t *testing.T) {
	server := newTestServer(&fakeStore{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/me")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestLoginEndpoint(t *testing.T) {
	fake := &fakeStore{}
	server := newTestServer(fake)
	defer server.Close()

	req, _ := http.NewRequest(http.MethodPost, server.URL+"/api/login", nil)
	req.Header.Set("Authorization", "Bearer admin-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body := decodeResponse(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, body)
	}
	if body["email"] != "admin@example.com" {
		t.Fatalf("unexpected login body: %v", body)
	}
}
