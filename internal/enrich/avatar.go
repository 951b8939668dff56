package enrich

import (
	"crypto/md5"
	"fmt"
	"net/url"
	"strings"
)

// FallbackAvatar derives a gravatar URL from an email, with an
// initials-style generated image as the gravatar default. Deterministic,
// so a user always has an avatar even when GitHub discovery finds nothing.
func FallbackAvatar(email string) string {
	normalized := strings.ToLower(strings.TrimSpace(email))
	sum := md5.Sum([]byte(normalized))

	username, _, _ := strings.Cut(normalized, "@")
	parts := strings.Split(username, ".")
	display := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		display = append(display, strings.ToUpper(part[:1])+part[1:])
	}

	fallback := fmt.Sprintf("https://ui-avatars.com/api/%s/128", strings.Join(display, "+"))
	return fmt.Sprintf("https://www.gravatar.com/avatar/%x?d=%s", sum, url.QueryEscape(fallback))
}
