// Package search provides full-text project search: Meilisearch when
// configured and healthy, with a store-backed fallback otherwise.
package search

import "context"

// ProjectRecord is the data we index for a project.
type ProjectRecord struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Skills     []string `json:"skills"`
	For        string   `json:"for,omitempty"`
	IsFeatured bool     `json:"isFeatured"`
	IsArchived bool     `json:"isArchived"`
}

// Query describes a search request.
type Query struct {
	Text            string
	IncludeArchived bool
	Limit           int
	Offset          int
}

// Response is the envelope returned to the transport layer.
type Response struct {
	Results []ProjectRecord `json:"results"`
	Total   int             `json:"total"`
	Query   string          `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]ProjectRecord, int, error)
	Healthy() bool
}

// Indexer can push projects into a search index.
type Indexer interface {
	IndexProject(p ProjectRecord) error
	DeleteProject(id string) error
}

// Fallback serves searches from the primary store when the index is
// unavailable.
type Fallback interface {
	SearchProjects(ctx context.Context, q Query) ([]ProjectRecord, error)
}
