package store

import (
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

var titleSeparators = regexp.MustCompile(`[-_\s]+`)

// buildProjectFilter translates the public filter into a query document.
// Archived defaults to excluding archived projects when unset.
func buildProjectFilter(filter ProjectFilter) bson.M {
	query := bson.M{"isArchived": false}
	if filter.Archived != nil {
		query["isArchived"] = *filter.Archived
	}
	if filter.AnyArchived {
		delete(query, "isArchived")
	}

	if len(filter.SkillsRequired) > 0 {
		query["skillsRequired"] = bson.M{"$all": filter.SkillsRequired}
	}

	if filter.Featured != nil {
		query["isFeatured"] = *filter.Featured
	}

	if filter.For != "" {
		query["for"] = filter.For
	}

	if len(filter.Collaborators) > 0 {
		query["collaborators"] = bson.M{"$in": filter.Collaborators}
	}

	if filter.Title != "" {
		query["title"] = bson.M{
			"$regex":   TitlePattern(filter.Title),
			"$options": "i",
		}
	}

	return query
}

// TitlePattern turns a free-text title query into a fuzzy pattern: runs of
// hyphens, underscores and whitespace match anything, so "my-project",
// "my_project" and "my project" all find each other.
func TitlePattern(title string) string {
	parts := titleSeparators.Split(strings.TrimSpace(title), -1)
	escaped := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		escaped = append(escaped, regexp.QuoteMeta(part))
	}
	return strings.Join(escaped, ".*")
}
