package principal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// TokenVerifier checks a bearer token's signature, issuer and audience and
// returns its claims. Implementations treat all failure modes the same;
// the resolver never distinguishes a bad signature from an expired token.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (map[string]any, error)
}

// Resolver resolves bearer credentials against an external token service
// plus a follow-up identity-info fetch. It performs outbound network calls
// only; it never touches storage.
type Resolver struct {
	verifier TokenVerifier
	cache    *Cache // nil disables caching
	admins   AdminSet
	audience string
	client   *http.Client
	log      *zap.Logger
}

func NewResolver(verifier TokenVerifier, cache *Cache, admins AdminSet, audience string, client *http.Client, log *zap.Logger) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	return &Resolver{
		verifier: verifier,
		cache:    cache,
		admins:   admins,
		audience: audience,
		client:   client,
		log:      log,
	}
}

// Resolve produces the principal for an Authorization header value. It
// never returns an error: anything short of a fully verified identity is
// the anonymous principal.
func (r *Resolver) Resolve(ctx context.Context, authorization string) Principal {
	token, ok := bearerToken(authorization)
	if !ok {
		return Anonymous
	}

	if r.cache != nil {
		if cached, hit := r.cache.Get(ctx, token); hit {
			return cached
		}
	}

	claims, err := r.verifier.Verify(ctx, token)
	if err != nil {
		r.log.Debug("token verification failed", zap.Error(err))
		return Anonymous
	}

	profileURL := identityEndpoint(claims, r.audience)
	if profileURL == "" {
		r.log.Debug("token carries no identity endpoint audience")
		return Anonymous
	}

	profile, err := r.fetchProfile(ctx, profileURL, token)
	if err != nil {
		r.log.Debug("profile fetch failed", zap.String("url", profileURL), zap.Error(err))
		return Anonymous
	}

	resolved := Principal{
		Authenticated: true,
		Subject:       profile.Subject,
		Email:         profile.Email,
		IsAdmin:       r.admins.Contains(profile.Email),
		Claims:        claims,
	}

	if r.cache != nil {
		r.cache.Put(ctx, token, resolved)
	}
	return resolved
}

func bearerToken(authorization string) (string, bool) {
	const prefix = "bearer "
	if len(authorization) <= len(prefix) || !strings.EqualFold(authorization[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(authorization[len(prefix):])
	return token, token != ""
}

// identityEndpoint picks the profile URL out of the token's audience list:
// the https entry that is not the API audience itself.
func identityEndpoint(claims map[string]any, apiAudience string) string {
	for _, aud := range audiences(claims) {
		if aud == apiAudience {
			continue
		}
		if strings.HasPrefix(aud, "https://") {
			return aud
		}
	}
	return ""
}

func audiences(claims map[string]any) []string {
	switch aud := claims["aud"].(type) {
	case string:
		return []string{aud}
	case []string:
		return aud
	case []any:
		out := make([]string, 0, len(aud))
		for _, entry := range aud {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

type profileInfo struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
}

func (r *Resolver) fetchProfile(ctx context.Context, url, token string) (profileInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return profileInfo{}, fmt.Errorf("build profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.client.Do(req)
	if err != nil {
		return profileInfo{}, fmt.Errorf("fetch profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return profileInfo{}, fmt.Errorf("profile endpoint returned %d", resp.StatusCode)
	}

	var profile profileInfo
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return profileInfo{}, fmt.Errorf("decode profile: %w", err)
	}
	if profile.Subject == "" || profile.Email == "" {
		return profileInfo{}, fmt.Errorf("profile response missing sub or email")
	}
	return profile, nil
}
