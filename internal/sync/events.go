package sync

import (
	"fmt"
	"time"

	"github.com/rs/xid"
	"go.mongodb.org/mongo-driver/v2/bson"

	"portfolio/api/internal/store"
)

// Event types recognised by the engine. Producers enqueue these after a
// successful store write, consumers replay them until the mirrored state
// converges.
const (
	EventProjectCreated              = "project.created"
	EventProjectCollaboratorsChanged = "project.collaborators_changed"
	EventProjectDeleted              = "project.deleted"
	EventUserCreated                 = "user.created"
	EventUserEmailChanged            = "user.email_changed"
	EventUserDeleted                 = "user.deleted"
)

type ProjectCreated struct {
	ProjectID     bson.ObjectID `bson:"projectId"`
	Collaborators []string      `bson:"collaborators"`
}

type ProjectCollaboratorsChanged struct {
	ProjectID bson.ObjectID `bson:"projectId"`
	Added     []string      `bson:"added"`
	Removed   []string      `bson:"removed"`
}

type ProjectDeleted struct {
	ProjectID bson.ObjectID `bson:"projectId"`
}

type UserCreated struct {
	UserID bson.ObjectID `bson:"userId"`
	Email  string        `bson:"email"`
}

type UserEmailChanged struct {
	UserID   bson.ObjectID `bson:"userId"`
	OldEmail string        `bson:"oldEmail"`
	NewEmail string        `bson:"newEmail"`
}

type UserDeleted struct {
	Email string `bson:"email"`
}

// NewEvent builds a pending outbox event with an encoded payload.
func NewEvent(eventType string, payload any, maxAttempts int) (store.OutboxEvent, error) {
	raw, err := bson.Marshal(payload)
	if err != nil {
		return store.OutboxEvent{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	now := time.Now().UTC()
	return store.OutboxEvent{
		ID:          xid.New().String(),
		Type:        eventType,
		Payload:     bson.Raw(raw),
		Status:      store.EventPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func decodePayload[T any](ev store.OutboxEvent) (T, error) {
	var payload T
	if err := bson.Unmarshal(ev.Payload, &payload); err != nil {
		return payload, fmt.Errorf("decode %s payload: %w", ev.Type, err)
	}
	return payload, nil
}
