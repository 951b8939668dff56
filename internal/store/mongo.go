package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

var ErrNotFound = errors.New("not found")

// caseInsensitive is the collation applied to title and email lookups:
// strength 2 ignores case and diacritics but keeps base-letter distinctions.
var caseInsensitive = options.Collation{Locale: "en", Strength: 2}

const (
	collProjects = "projects"
	collUsers    = "users"
	collOutbox   = "outbox"
)

// MongoStore persists projects, users and outbox events. All methods
// acquire the connection through the Manager so the idle reaper can tear
// down an unused pool.
type MongoStore struct {
	mgr *Manager
}

func NewMongoStore(mgr *Manager) *MongoStore {
	return &MongoStore{mgr: mgr}
}

// IsDuplicateKey reports whether err is a unique-index violation. Callers
// map it to the same conflict as the pre-check, never to an internal error.
func IsDuplicateKey(err error) bool {
	return mongo.IsDuplicateKeyError(err)
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.mgr.Ping(ctx)
}

// EnsureIndexes creates the unique and query indexes the mutation pipeline
// relies on. Safe to call on every start.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	db, err := s.mgr.Acquire(ctx)
	if err != nil {
		return err
	}

	projectIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "title", Value: 1}},
			Options: options.Index().SetUnique(true).SetCollation(&caseInsensitive),
		},
		{
			Keys:    bson.D{{Key: "repo", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
		{Keys: bson.D{{Key: "collaborators", Value: 1}, {Key: "isArchived", Value: 1}}},
		{Keys: bson.D{{Key: "createdBy", Value: 1}}},
	}
	if _, err := db.Collection(collProjects).Indexes().CreateMany(ctx, projectIndexes); err != nil {
		return fmt.Errorf("create project indexes: %w", err)
	}

	userIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true).SetCollation(&caseInsensitive),
		},
		{
			Keys:    bson.D{{Key: "githubId", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
		{Keys: bson.D{{Key: "contributions", Value: 1}}},
	}
	if _, err := db.Collection(collUsers).Indexes().CreateMany(ctx, userIndexes); err != nil {
		return fmt.Errorf("create user indexes: %w", err)
	}

	outboxIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}}},
	}
	if _, err := db.Collection(collOutbox).Indexes().CreateMany(ctx, outboxIndexes); err != nil {
		return fmt.Errorf("create outbox indexes: %w", err)
	}
	return nil
}

// --- projects ---

// FindProjectByTitle looks up a project whose title matches under the
// case-insensitive collation, optionally excluding one id (for updates).
func (s *MongoStore) FindProjectByTitle(ctx context.Context, title string, excludeID *bson.ObjectID) (*Project, error) {
	db, err := s.mgr.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	filter := bson.M{"title": title}
	if excludeID != nil {
		filter["_id"] = bson.M{"$ne": *excludeID}
	}

	var project Project
	err = db.Collection(collProjects).
		FindOne(ctx, filter, options.FindOne().SetCollation(&caseInsensitive)).
		Decode(&project)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find project by title: %w", err)
	}
	return &project, nil
}

func (s *MongoStore) InsertProject(ctx context.Context, project *Project) error {
	db, err := s.mgr.Acquire(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	project.ID = bson.NewObjectID()
	project.CreatedAt = now
	project.UpdatedAt = now

	if _, err := db.Collection(collProjects).InsertOne(ctx, project); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *MongoStore) GetProject(ctx context.Context, id bson.ObjectID) (Project, error) {
	db, err := s.mgr.Acquire(ctx)
	if err != nil {
		return Project{}, err
	}

	var project Project
	err = db.Collection(collProjects).FindOne(ctx, bson.M{"_id": id}).Decode(&project)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	return project, nil
}

// UpdateProject applies a partial $set, bumps the version counter and
// returns the updated document.
func (s *MongoStore) UpdateProject(ctx context.Context, id bson.ObjectID, patch ProjectPatch) (Project, error) {
	db, err := s.mgr.Acquire(ctx)
	if err != nil {
		return Project{}, err
	}

	var project Project
	err = db.Collection(collProjects).
		FindOneAndUpdate(
			ctx,
			bson.M{"_id": id},
			projectUpdate(patch),
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).
		Decode(&project)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("update project: %w", err)
	}
	return project, nil
}

// projectUpdate translates a patch into the update document. A cleared
// repo is dropped with $unset rather than written as ""; the repo index
// is sparse, so storing "" would make two cleared projects collide.
func projectUpdate(patch ProjectPatch) bson.M {
	set := bson.M{"updatedAt": time.Now().UTC()}
	unset := bson.M{}
	if patch.Title != nil {
		set["title"] = *patch.Title
	}
	if patch.Content != nil {
		set["content"] = *patch.Content
	}
	if patch.Link != nil {
		set["link"] = *patch.Link
	}
	if patch.Repo != nil {
		if *patch.Repo == "" {
			unset["repo"] = ""
		} else {
			set["repo"] = *patch.Repo
		}
	}
	if patch.SkillsRequired != nil {
		set["skillsRequired"] = patch.SkillsRequired
	}
	if patch.Collaborators != nil {
		set["collaborators"] = patch.Collaborators
	}
	if patch.IsArchived != nil {
		set["isArchived"] = *patch.IsArchived
	}
	if patch.IsFeatured != nil {
		set["isFeatured"] = *patch.IsFeatured
	}
	if patch.For != nil {
		set["for"] = *patch.For
	}
	if patch.Comments != nil {
		set["comments"] = patch.Comments
	}
	if patch.AccessList != nil {
		set["accessList"] = patch.AccessList
	}
	if patch.LastUpdatedBy != nil {
		set["lastUpdatedBy"] = *patch.LastUpdatedBy
	}
	update := bson.M{"$set": set, "$inc": bson.M{"version": 1}}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	return update
}

// DeleteProject removes a project and reports whether anything was deleted;
// false means a concurrent delete won the race.
func (s *MongoStore) DeleteProject(ctx context.Context, id bson.ObjectID) (bool, error) {
	db, err := s.mgr.Acquire(ctx)
	if err != nil {
		return false, err
	}

	result, err := db.Collection(collProjects).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, fmt.Errorf("delete project: %w", err)
	}
	return result.DeletedCount > 0, nil
}

func (s *MongoStore) ListProjects(ctx context.Context, filter ProjectFilter) ([]Project, error) {
	db, err := s.mgr.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	cursor, err := db.Collection(collProjects).Find(ctx, buildProjectFilter(filter))
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}

	var projects []Project
	if err := cursor.All(ctx, &projects); err != nil {
		return nil, fmt.Errorf("decode projects: %w", err)
	}
	return projects, nil
}

// ActiveProjectsWithCollaborator returns non-archived projects listing the
// given email. Used by the user-creation reconciliation step.
func (s *MongoStore) ActiveProjectsWithCollaborator(ctx context.Context, email string) ([]Project, error) {
	db, err := s.mgr.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	cursor, err := db.Collection(collProjects).Find(ctx, bson.M{
		"collaborators": email,
		"isArchived":    false,
	})
	if err != nil {
		return nil, fmt.Errorf("projects with collaborator: %w", err)
	}

	var projects []Project
	if err := cursor.All(ctx, &projects); err != nil {
		return nil, fmt.Errorf("decode projects: %w", err)
	}
	return projects, nil
}

// RenameCollaborator rewrites old -> new in place in every collaborator
// list that contains old, preserving element order.
func (s *MongoStore) RenameCollaborator(ctx context.Context, oldEmail, newEmail string) (int64, error) {
	db, err := s.mgr.Acquire(ctx)
	if err != nil {
		return 0, err
	}

	result, err := db.Collection(collProjects).UpdateMany(
		ctx,
		bson.M{"collaborators": oldEmail},
		bson.M{"$set": bson.M{"collaborators.$": newEmail}},
	)
	if err != nil {
		return 0, fmt.Errorf("rename collaborator: %w", err)
	}
	return result.ModifiedCount, nil
}

// RemoveCollaborator pulls an email from every project's collaborator list.
func (s *MongoStore) RemoveCollaborator(ctx context.Context, email string) (int64, error) {
	db, err := s.mgr.Acquire(ctx)
	if err != nil {
		return 0, err
	}

	result, err := db.Collection(collProjects).UpdateMany(
		ctx,
		bson.M{"collaborators": email},
		bson.M{"$pull": bson.M{"collaborators": email}},
	)
	if err != nil {
		return 0, fmt.Errorf("remove collaborator: %w", err)
	}
	return result.ModifiedCount, nil
}

// --- users ---

func (s *MongoStore) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	db, err := s.mgr.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	var user User
	err = db.Collection(collUsers).
		FindOne(ctx, bson.M{"email": email}, options.FindOne().SetCollation(&caseInsensitive)).
		Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user by email: %w", err)
	}
	return &user, nil
}

func (s *MongoStore) InsertUser(ctx context.Context, user *User) error {
	db, err := s.mgr.Acquire(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	user.ID = bson.NewObjectID()
	user.CreatedAt = now
	user.UpdatedAt = now
	if user.Contributions == nil {
		user.Contributions = []bson.ObjectID{}
	}

	if _, err := db.Collection(collUsers).InsertOne(ctx, user); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *MongoStore) GetUser(ctx context.Context, id bson.ObjectID) (User, error) {
	db, err := s.mgr.Acquire(ctx)
	if err != nil {
		return User{}, err
	}

	var user User
	err = db.Collection(collUsers).FindOne(ctx, bson.M{"_id": id}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *MongoStore) UpdateUser(ctx context.Context, id bson.ObjectID, patch UserPatch) (User, error) {
	db, err := s.mgr.Acquire(ctx)
	if err != nil {
		return User{}, err
	}

	set := bson.M{"updatedAt": time.Now().UTC()}
	if patch.Email != nil {
		set["email"] = *patch.Email
	}
	if patch.Avatar != nil {
		set["avatar"] = *patch.Avatar
	}
	if patch.IsVerified != nil {
		set["isVerified"] = *patch.IsVerified
	}
	if patch.IsAdmin != nil {
		set["isAdmin"] = *patch.IsAdmin
	}
	if patch.GitHubID != nil {
		set["githubId"] = *patch.GitHubID
	}
	if patch.Enrichment != nil {
		set["enrichment"] = *patch.Enrichment
	}
	var user User
	err = db.Collection(collUsers).
		FindOneAndUpdate(
			ctx,
			bson.M{"_id": id},
			bson.M{"$set": set},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).
		Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("update user: %w", err)
	}
	return user, nil
}

func (s *MongoStore) DeleteUser(ctx context.Context, id bson.ObjectID) (bool, error) {
	db, err := s.mgr.Acquire(ctx)
	if err != nil {
		return false, err
	}

	result, err := db.Collection(collUsers).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, fmt.Errorf("delete user: %w", err)
	}
	return result.DeletedCount > 0, nil
}

// RecordLogin stamps lastLogin and bumps loginCount.
func (s *MongoStore) RecordLogin(ctx context.Context, id bson.ObjectID) error {
	db, err := s.mgr.Acquire(ctx)
	if err != nil {
		return err
	}

	_, err = db.Collection(collUsers).UpdateOne(
		ctx,
		bson.M{"_id": id},
		bson.M{
			"$set": bson.M{"lastLogin": time.Now().UTC()},
			"$inc": bson.M{"loginCount": 1},
		},
	)
	if err != nil {
		return fmt.Errorf("record login: %w", err)
	}
	return nil
}

// AddContributions adds a project id to the contributions of every user
// whose email is in emails. Only existing users are touched.
func (s *MongoStore) AddContributions(ctx context.Context, projectID bson.ObjectID, emails []string) (int64, error) {
	if len(emails) == 0 {
		return 0, nil
	}
	db, err := s.mgr.Acquire(ctx)
	if err != nil {
		return 0, err
	}

	result, err := db.Collection(collUsers).UpdateMany(
		ctx,
		bson.M{"email": bson.M{"$in": emails}},
		bson.M{"$addToSet": bson.M{"contributions": projectID}},
	)
	if err != nil {
		return 0, fmt.Errorf("add contributions: %w", err)
	}
	return result.ModifiedCount, nil
}

// PullContributions removes a project id from the contributions of every
// user whose email is in emails.
func (s *MongoStore) PullContributions(ctx context.Context, projectID bson.ObjectID, emails []string) (int64, error) {
	if len(emails) == 0 {
		return 0, nil
	}
	db, err := s.mgr.Acquire(ctx)
	if err != nil {
		return 0, err
	}

	result, err := db.Collection(collUsers).UpdateMany(
		ctx,
		bson.M{"email": bson.M{"$in": emails}},
		bson.M{"$pull": bson.M{"contributions": projectID}},
	)
	if err != nil {
		return 0, fmt.Errorf("pull contributions: %w", err)
	}
	return result.ModifiedCount, nil
}

// PullContributionEverywhere removes a project id from every user that
// references it, regardless of collaborator membership.
func (s *MongoStore) PullContributionEverywhere(ctx context.Context, projectID bson.ObjectID) (int64, error) {
	db, err := s.mgr.Acquire(ctx)
	if err != nil {
		return 0, err
	}

	result, err := db.Collection(collUsers).UpdateMany(
		ctx,
		bson.M{"contributions": projectID},
		bson.M{"$pull": bson.M{"contributions": projectID}},
	)
	if err != nil {
		return 0, fmt.Errorf("pull contribution everywhere: %w", err)
	}
	return result.ModifiedCount, nil
}

// AddContributionsToUser adds the given project ids to one user's mirror.
func (s *MongoStore) AddContributionsToUser(ctx context.Context, userID bson.ObjectID, projectIDs []bson.ObjectID) error {
	if len(projectIDs) == 0 {
		return nil
	}
	db, err := s.mgr.Acquire(ctx)
	if err != nil {
		return err
	}

	_, err = db.Collection(collUsers).UpdateOne(
		ctx,
		bson.M{"_id": userID},
		bson.M{"$addToSet": bson.M{"contributions": bson.M{"$each": projectIDs}}},
	)
	if err != nil {
		return fmt.Errorf("add contributions to user: %w", err)
	}
	return nil
}

// --- outbox ---

func (s *MongoStore) EnqueueEvent(ctx context.Context, event *OutboxEvent) error {
	db, err := s.mgr.Acquire(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	event.Status = EventPending
	event.CreatedAt = now
	event.UpdatedAt = now

	if _, err := db.Collection(collOutbox).InsertOne(ctx, event); err != nil {
		return fmt.Errorf("enqueue event: %w", err)
	}
	return nil
}

// ClaimEvent atomically moves the oldest pending event to running and
// returns it; nil means the queue is empty.
func (s *MongoStore) ClaimEvent(ctx context.Context) (*OutboxEvent, error) {
	db, err := s.mgr.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	var event OutboxEvent
	err = db.Collection(collOutbox).
		FindOneAndUpdate(
			ctx,
			bson.M{"status": EventPending},
			bson.M{
				"$set": bson.M{"status": EventRunning, "updatedAt": time.Now().UTC()},
				"$inc": bson.M{"attempts": 1},
			},
			options.FindOneAndUpdate().
				SetSort(bson.D{{Key: "createdAt", Value: 1}}).
				SetReturnDocument(options.After),
		).
		Decode(&event)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim event: %w", err)
	}
	return &event, nil
}

func (s *MongoStore) CompleteEvent(ctx context.Context, id string) error {
	db, err := s.mgr.Acquire(ctx)
	if err != nil {
		return err
	}

	_, err = db.Collection(collOutbox).UpdateOne(
		ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": EventDone, "updatedAt": time.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("complete event: %w", err)
	}
	return nil
}

// FailEvent records a failure. Non-final failures go back to pending for
// another attempt; final ones are parked as failed.
func (s *MongoStore) FailEvent(ctx context.Context, id, lastError string, final bool) error {
	db, err := s.mgr.Acquire(ctx)
	if err != nil {
		return err
	}

	status := EventPending
	if final {
		status = EventFailed
	}
	_, err = db.Collection(collOutbox).UpdateOne(
		ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"status":    status,
			"lastError": lastError,
			"updatedAt": time.Now().UTC(),
		}},
	)
	if err != nil {
		return fmt.Errorf("fail event: %w", err)
	}
	return nil
}

// RequeueStaleEvents returns running events older than cutoff to pending.
// Covers a worker that died mid-event.
func (s *MongoStore) RequeueStaleEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	db, err := s.mgr.Acquire(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	result, err := db.Collection(collOutbox).UpdateMany(
		ctx,
		bson.M{"status": EventRunning, "updatedAt": bson.M{"$lt": cutoff}},
		bson.M{"$set": bson.M{"status": EventPending, "updatedAt": time.Now().UTC()}},
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale events: %w", err)
	}
	return result.ModifiedCount, nil
}
