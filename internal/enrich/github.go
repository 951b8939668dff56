// Package enrich discovers external identity details for newly created
// users: a GitHub profile looked up by email, with a deterministic
// gravatar fallback. Everything here is best effort; the caller treats
// every failure as "skip enrichment".
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
)

const githubAPIBase = "https://api.github.com"

// Profile is the slice of a GitHub user we keep. GitHub returns a much
// larger object; we only unmarshal what we store.
type Profile struct {
	Login     string `json:"login"`
	ID        int64  `json:"id"`
	AvatarURL string `json:"avatar_url"`
	Type      string `json:"type"`
}

type searchResponse struct {
	TotalCount int       `json:"total_count"`
	Items      []Profile `json:"items"`
}

// GitHub searches the GitHub users API by email.
type GitHub struct {
	baseURL string
	client  *http.Client
}

// NewGitHub builds a client. A personal access token raises the search
// rate limit; with an empty token the client calls the API anonymously.
func NewGitHub(token string) *GitHub {
	client := http.DefaultClient
	if token != "" {
		source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		client = oauth2.NewClient(context.Background(), source)
	}
	return &GitHub{baseURL: githubAPIBase, client: client}
}

// NewGitHubWithBase is used by tests to point at a fake API.
func NewGitHubWithBase(baseURL string, client *http.Client) *GitHub {
	if client == nil {
		client = http.DefaultClient
	}
	return &GitHub{baseURL: baseURL, client: client}
}

// SearchByEmail returns the single GitHub user whose email matches, or nil
// when the result is absent or ambiguous. Only an exactly-one hit counts:
// guessing between candidates would attach the wrong identity.
func (g *GitHub) SearchByEmail(ctx context.Context, email string) (*Profile, error) {
	query := url.QueryEscape(email) + "+in:email"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/search/users?q="+query, nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search github users: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github search returned %d", resp.StatusCode)
	}

	var result searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode github search: %w", err)
	}

	if len(result.Items) != 1 {
		return nil, nil
	}
	profile := result.Items[0]
	if profile.Login == "" || profile.ID == 0 {
		return nil, nil
	}
	return &profile, nil
}
