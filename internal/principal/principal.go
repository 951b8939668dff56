// Package principal turns an inbound bearer credential into an
// authenticated principal. Every failure path collapses to the anonymous
// principal: authorization decisions belong to the mutation engine, not
// here.
package principal

import "strings"

// Principal is the resolved identity attached to a request.
type Principal struct {
	Authenticated bool           `json:"authenticated"`
	Subject       string         `json:"subject,omitempty"`
	Email         string         `json:"email,omitempty"`
	IsAdmin       bool           `json:"isAdmin"`
	Claims        map[string]any `json:"claims,omitempty"`
}

// Anonymous is the unauthenticated principal.
var Anonymous = Principal{}

// AdminSet is a configured set of admin identities, matched by email,
// case-insensitively.
type AdminSet map[string]struct{}

func NewAdminSet(emails []string) AdminSet {
	set := make(AdminSet, len(emails))
	for _, email := range emails {
		trimmed := strings.ToLower(strings.TrimSpace(email))
		if trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	return set
}

func (s AdminSet) Contains(email string) bool {
	_, ok := s[strings.ToLower(strings.TrimSpace(email))]
	return ok
}
