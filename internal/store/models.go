package store

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Project is the authoritative record for a portfolio project. The
// collaborator list is the source of truth for membership; the matching
// User.Contributions entries are a derived mirror maintained by the sync
// worker.
type Project struct {
	ID             bson.ObjectID   `bson:"_id,omitempty"`
	Title          string          `bson:"title"`
	Content        string          `bson:"content"`
	Link           string          `bson:"link,omitempty"`
	Repo           string          `bson:"repo,omitempty"`
	SkillsRequired []string        `bson:"skillsRequired"`
	Collaborators  []string        `bson:"collaborators"`
	IsArchived     bool            `bson:"isArchived"`
	IsFeatured     bool            `bson:"isFeatured"`
	For            string          `bson:"for,omitempty"`
	Comments       []bson.ObjectID `bson:"comments,omitempty"`
	AccessList     []bson.ObjectID `bson:"accessList,omitempty"`
	CreatedBy      bson.ObjectID   `bson:"createdBy,omitempty"`
	LastUpdatedBy  bson.ObjectID   `bson:"lastUpdatedBy,omitempty"`
	Version        int64           `bson:"version"`
	CreatedAt      time.Time       `bson:"createdAt"`
	UpdatedAt      time.Time       `bson:"updatedAt"`
}

// Enrichment states for User.Enrichment.
const (
	EnrichPending = "pending"
	EnrichDone    = "done"
	EnrichSkipped = "skipped"
	EnrichFailed  = "failed"
)

type User struct {
	ID            bson.ObjectID   `bson:"_id,omitempty"`
	Email         string          `bson:"email"`
	Avatar        string          `bson:"avatar,omitempty"`
	GitHubID      string          `bson:"githubId,omitempty"`
	IsAdmin       bool            `bson:"isAdmin"`
	IsVerified    bool            `bson:"isVerified"`
	Contributions []bson.ObjectID `bson:"contributions"`
	Enrichment    string          `bson:"enrichment"`
	LastLogin     *time.Time      `bson:"lastLogin,omitempty"`
	LoginCount    int64           `bson:"loginCount"`
	CreatedAt     time.Time       `bson:"createdAt"`
	UpdatedAt     time.Time       `bson:"updatedAt"`
}

// Outbox event states.
const (
	EventPending = "pending"
	EventRunning = "running"
	EventDone    = "done"
	EventFailed  = "failed"
)

// OutboxEvent is a persisted domain event awaiting the sync worker.
// Delivery is at-least-once: a claimed event that never completes is
// requeued by the stale sweep.
type OutboxEvent struct {
	ID          string    `bson:"_id"`
	Type        string    `bson:"type"`
	Payload     bson.Raw  `bson:"payload"`
	Status      string    `bson:"status"`
	Attempts    int       `bson:"attempts"`
	MaxAttempts int       `bson:"maxAttempts"`
	LastError   string    `bson:"lastError,omitempty"`
	CreatedAt   time.Time `bson:"createdAt"`
	UpdatedAt   time.Time `bson:"updatedAt"`
}

// ProjectFilter mirrors the public list filter. Archived is a tristate:
// nil means the default (exclude archived). AnyArchived drops the archived
// constraint entirely.
type ProjectFilter struct {
	Archived       *bool
	AnyArchived    bool
	SkillsRequired []string
	Featured       *bool
	For            string
	Collaborators  []string
	Title          string
}

// ProjectPatch carries the fields of a partial update. Pointer fields
// distinguish "absent" from zero values so no-op detection and the archive
// guard can reason about exactly what the caller sent.
type ProjectPatch struct {
	Title          *string
	Content        *string
	Link           *string
	Repo           *string
	SkillsRequired []string
	Collaborators  []string
	IsArchived     *bool
	IsFeatured     *bool
	For            *string
	Comments       []bson.ObjectID
	AccessList     []bson.ObjectID
	LastUpdatedBy  *bson.ObjectID
}

// UserPatch carries the fields of a partial user update.
type UserPatch struct {
	Email      *string
	Avatar     *string
	IsVerified *bool
	IsAdmin    *bool
	GitHubID   *string
	Enrichment *string
}
