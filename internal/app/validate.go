package app

import (
	"regexp"
	"strings"
)

var (
	// Owner and repository name as GitHub itself constrains them; the
	// scheme, www prefix and .git suffix are all optional.
	repoPattern = regexp.MustCompile(`^(https://)?(www\.)?github\.com/[A-Za-z0-9_.-]{1,100}/[A-Za-z0-9_.-]{1,100}(\.git)?/?$`)

	// Deliberately loose: the address book of record is the identity
	// provider, this only rejects obvious garbage.
	emailPattern = regexp.MustCompile(`^.+@.+\..+$`)
)

// missingProjectFields reports required fields the input lacks, or
// carries but leaves empty after trimming. forCreate additionally
// requires title and skills to be present at all.
func missingProjectFields(input ProjectInput, forCreate bool) map[string]string {
	details := map[string]string{}

	if input.Title != nil {
		if strings.TrimSpace(*input.Title) == "" {
			details["title"] = "title must not be empty"
		}
	} else if forCreate {
		details["title"] = "title is required"
	}

	if input.SkillsRequired != nil {
		if len(trimAll(input.SkillsRequired)) == 0 {
			details["skillsRequired"] = "at least one skill is required"
		}
	} else if forCreate {
		details["skillsRequired"] = "skillsRequired is required"
	}

	if len(details) == 0 {
		return nil
	}
	return details
}

// validateProjectInput collects per-field messages for fields whose
// value breaks the storage schema's shape.
func validateProjectInput(input ProjectInput) map[string]string {
	details := map[string]string{}

	if input.Repo != nil && *input.Repo != "" && !repoPattern.MatchString(strings.TrimSpace(*input.Repo)) {
		details["repo"] = "repo must be a GitHub repository URL"
	}

	if input.Collaborators != nil {
		for _, email := range input.Collaborators {
			if !emailPattern.MatchString(strings.TrimSpace(email)) {
				details["collaborators"] = "collaborators must be email addresses"
				break
			}
		}
	}

	if len(details) == 0 {
		return nil
	}
	return details
}

// hasAnyField reports whether the input carries at least one field, so an
// empty update body can be rejected before touching the store.
func (in ProjectInput) hasAnyField() bool {
	return in.Title != nil || in.Content != nil || in.Link != nil || in.Repo != nil ||
		in.SkillsRequired != nil || in.Collaborators != nil || in.IsArchived != nil ||
		in.IsFeatured != nil || in.For != nil || in.Comments != nil || in.AccessList != nil
}

// onlyUnarchives reports whether the input is exactly {isArchived: false},
// the one update an archived project accepts.
func (in ProjectInput) onlyUnarchives() bool {
	if in.IsArchived == nil || *in.IsArchived {
		return false
	}
	return in.Title == nil && in.Content == nil && in.Link == nil && in.Repo == nil &&
		in.SkillsRequired == nil && in.Collaborators == nil && in.For == nil &&
		in.IsFeatured == nil && in.Comments == nil && in.AccessList == nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// normalizeEmails lowercases, trims and deduplicates while keeping first
// occurrence order.
func normalizeEmails(emails []string) []string {
	seen := make(map[string]struct{}, len(emails))
	out := make([]string, 0, len(emails))
	for _, email := range emails {
		normalized := strings.ToLower(strings.TrimSpace(email))
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// diffStrings returns the elements of want missing from have and the
// elements of have missing from want.
func diffStrings(have, want []string) (added, removed []string) {
	haveSet := make(map[string]struct{}, len(have))
	for _, v := range have {
		haveSet[v] = struct{}{}
	}
	wantSet := make(map[string]struct{}, len(want))
	for _, v := range want {
		wantSet[v] = struct{}{}
	}
	for _, v := range want {
		if _, ok := haveSet[v]; !ok {
			added = append(added, v)
		}
	}
	for _, v := range have {
		if _, ok := wantSet[v]; !ok {
			removed = append(removed, v)
		}
	}
	return added, removed
}
