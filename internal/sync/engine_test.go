package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"

	"portfolio/api/internal/enrich"
	"portfolio/api/internal/search"
	"portfolio/api/internal/store"
)

type fakeSyncStore struct {
	claimEventFn        func(context.Context) (*store.OutboxEvent, error)
	completeEventFn     func(context.Context, string) error
	failEventFn         func(context.Context, string, string, bool) error
	getProjectFn        func(context.Context, bson.ObjectID) (store.Project, error)
	activeProjectsFn    func(context.Context, string) ([]store.Project, error)
	renameFn            func(context.Context, string, string) (int64, error)
	removeFn            func(context.Context, string) (int64, error)
	getUserFn           func(context.Context, bson.ObjectID) (store.User, error)
	updateUserFn        func(context.Context, bson.ObjectID, store.UserPatch) (store.User, error)
	addContributionsFn  func(context.Context, bson.ObjectID, []string) (int64, error)
	pullContributionsFn func(context.Context, bson.ObjectID, []string) (int64, error)
	pullEverywhereFn    func(context.Context, bson.ObjectID) (int64, error)
	addToUserFn         func(context.Context, bson.ObjectID, []bson.ObjectID) error
}

func (f *fakeSyncStore) ClaimEvent(ctx context.Context) (*store.OutboxEvent, error) {
	if f.claimEventFn != nil {
		return f.claimEventFn(ctx)
	}
	return nil, nil
}
func (f *fakeSyncStore) CompleteEvent(ctx context.Context, id string) error {
	if f.completeEventFn != nil {
		return f.completeEventFn(ctx, id)
	}
	return nil
}
func (f *fakeSyncStore) FailEvent(ctx context.Context, id, lastError string, final bool) error {
	if f.failEventFn != nil {
		return f.failEventFn(ctx, id, lastError, final)
	}
	return nil
}
func (f *fakeSyncStore) RequeueStaleEvents(context.Context, time.Duration) (int64, error) {
	return 0, nil
}
func (f *fakeSyncStore) GetProject(ctx context.Context, id bson.ObjectID) (store.Project, error) {
	if f.getProjectFn != nil {
		return f.getProjectFn(ctx, id)
	}
	return store.Project{}, store.ErrNotFound
}
func (f *fakeSyncStore) ActiveProjectsWithCollaborator(ctx context.Context, email string) ([]store.Project, error) {
	if f.activeProjectsFn != nil {
		return f.activeProjectsFn(ctx, email)
	}
	return nil, nil
}
func (f *fakeSyncStore) RenameCollaborator(ctx context.Context, oldEmail, newEmail string) (int64, error) {
	if f.renameFn != nil {
		return f.renameFn(ctx, oldEmail, newEmail)
	}
	return 0, nil
}
func (f *fakeSyncStore) RemoveCollaborator(ctx context.Context, email string) (int64, error) {
	if f.removeFn != nil {
		return f.removeFn(ctx, email)
	}
	return 0, nil
}
func (f *fakeSyncStore) GetUser(ctx context.Context, id bson.ObjectID) (store.User, error) {
	if f.getUserFn != nil {
		return f.getUserFn(ctx, id)
	}
	return store.User{}, store.ErrNotFound
}
func (f *fakeSyncStore) UpdateUser(ctx context.Context, id bson.ObjectID, patch store.UserPatch) (store.User, error) {
	if f.updateUserFn != nil {
		return f.updateUserFn(ctx, id, patch)
	}
	return store.User{}, nil
}
func (f *fakeSyncStore) AddContributions(ctx context.Context, projectID bson.ObjectID, emails []string) (int64, error) {
	if f.addContributionsFn != nil {
		return f.addContributionsFn(ctx, projectID, emails)
	}
	return 0, nil
}
func (f *fakeSyncStore) PullContributions(ctx context.Context, projectID bson.ObjectID, emails []string) (int64, error) {
	if f.pullContributionsFn != nil {
		return f.pullContributionsFn(ctx, projectID, emails)
	}
	return 0, nil
}
func (f *fakeSyncStore) PullContributionEverywhere(ctx context.Context, projectID bson.ObjectID) (int64, error) {
	if f.pullEverywhereFn != nil {
		return f.pullEverywhereFn(ctx, projectID)
	}
	return 0, nil
}
func (f *fakeSyncStore) AddContributionsToUser(ctx context.Context, userID bson.ObjectID, projectIDs []bson.ObjectID) error {
	if f.addToUserFn != nil {
		return f.addToUserFn(ctx, userID, projectIDs)
	}
	return nil
}

type fakeIndexer struct {
	indexed []search.ProjectRecord
	removed []string
}

func (f *fakeIndexer) Index(p search.ProjectRecord) { f.indexed = append(f.indexed, p) }
func (f *fakeIndexer) Remove(id string)             { f.removed = append(f.removed, id) }

type fakeEnricher struct {
	profile *enrich.Profile
	err     error
}

func (f *fakeEnricher) SearchByEmail(context.Context, string) (*enrich.Profile, error) {
	return f.profile, f.err
}

func newTestEngine(st Store, enricher Enricher, indexer Indexer) *Engine {
	return NewEngine(st, enricher, indexer, time.Second, time.Second, zap.NewNop())
}

func mustEvent(t *testing.T, eventType string, payload any) store.OutboxEvent {
	t.Helper()
	event, err := NewEvent(eventType, payload, 3)
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	return event
}

func TestProjectCreatedMirrorsContributions(t *testing.T) {
	projectID := bson.NewObjectID()
	var addedTo bson.ObjectID
	var addedEmails []string
	st := &fakeSyncStore{
		addContributionsFn: func(_ context.Context, id bson.ObjectID, emails []string) (int64, error) {
			addedTo = id
			addedEmails = emails
			return int64(len(emails)), nil
		},
		getProjectFn: func(context.Context, bson.ObjectID) (store.Project, error) {
			return store.Project{ID: projectID, Title: "Portfolio"}, nil
		},
	}
	indexer := &fakeIndexer{}
	engine := newTestEngine(st, nil, indexer)

	event := mustEvent(t, EventProjectCreated, ProjectCreated{
		ProjectID:     projectID,
		Collaborators: []string{"a@x.com", "b@x.com"},
	})
	if err := engine.execute(context.Background(), event); err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if addedTo != projectID || len(addedEmails) != 2 {
		t.Fatalf("contributions not mirrored: %v %v", addedTo, addedEmails)
	}
	if len(indexer.indexed) != 1 || indexer.indexed[0].ID != projectID.Hex() {
		t.Fatalf("project not indexed: %v", indexer.indexed)
	}
}

func TestCollaboratorsChangedAppliesBothSides(t *testing.T) {
	projectID := bson.NewObjectID()
	var added, removed []string
	st := &fakeSyncStore{
		addContributionsFn: func(_ context.Context, _ bson.ObjectID, emails []string) (int64, error) {
			added = emails
			return 1, nil
		},
		pullContributionsFn: func(_ context.Context, _ bson.ObjectID, emails []string) (int64, error) {
			removed = emails
			return 1, nil
		},
		getProjectFn: func(context.Context, bson.ObjectID) (store.Project, error) {
			return store.Project{ID: projectID}, nil
		},
	}
	engine := newTestEngine(st, nil, &fakeIndexer{})

	event := mustEvent(t, EventProjectCollaboratorsChanged, ProjectCollaboratorsChanged{
		ProjectID: projectID,
		Added:     []string{"new@x.com"},
		Removed:   []string{"old@x.com"},
	})
	if err := engine.execute(context.Background(), event); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if len(added) != 1 || added[0] != "new@x.com" {
		t.Fatalf("additions not applied: %v", added)
	}
	if len(removed) != 1 || removed[0] != "old@x.com" {
		t.Fatalf("removals not applied: %v", removed)
	}
}

func TestCollaboratorsChangedRunsSidesConcurrently(t *testing.T) {
	projectID := bson.NewObjectID()
	pulled := make(chan struct{})
	st := &fakeSyncStore{
		addContributionsFn: func(context.Context, bson.ObjectID, []string) (int64, error) {
			// Completes only once the pull side has started.
			select {
			case <-pulled:
				return 1, nil
			case <-time.After(2 * time.Second):
				return 0, errors.New("pull side never started")
			}
		},
		pullContributionsFn: func(context.Context, bson.ObjectID, []string) (int64, error) {
			close(pulled)
			return 1, nil
		},
		getProjectFn: func(context.Context, bson.ObjectID) (store.Project, error) {
			return store.Project{ID: projectID}, nil
		},
	}
	engine := newTestEngine(st, nil, &fakeIndexer{})

	event := mustEvent(t, EventProjectCollaboratorsChanged, ProjectCollaboratorsChanged{
		ProjectID: projectID,
		Added:     []string{"new@x.com"},
		Removed:   []string{"old@x.com"},
	})
	if err := engine.execute(context.Background(), event); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
}

func TestCollaboratorsChangedFailureDoesNotBlockOtherSide(t *testing.T) {
	pullCalled := false
	st := &fakeSyncStore{
		addContributionsFn: func(context.Context, bson.ObjectID, []string) (int64, error) {
			return 0, errors.New("write concern")
		},
		pullContributionsFn: func(context.Context, bson.ObjectID, []string) (int64, error) {
			pullCalled = true
			return 1, nil
		},
	}
	engine := newTestEngine(st, nil, nil)

	event := mustEvent(t, EventProjectCollaboratorsChanged, ProjectCollaboratorsChanged{
		ProjectID: bson.NewObjectID(),
		Added:     []string{"new@x.com"},
		Removed:   []string{"old@x.com"},
	})
	err := engine.execute(context.Background(), event)
	if err == nil {
		t.Fatal("expected error")
	}
	if !pullCalled {
		t.Fatal("pull skipped after add failure")
	}

	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("expected StepError, got %v", err)
	}
	if stepErr.Step != "add contributions" {
		t.Fatalf("unexpected step: %s", stepErr.Step)
	}
}

func TestProjectDeletedScrubsEverywhere(t *testing.T) {
	projectID := bson.NewObjectID()
	pulled := false
	st := &fakeSyncStore{
		pullEverywhereFn: func(_ context.Context, id bson.ObjectID) (int64, error) {
			pulled = id == projectID
			return 3, nil
		},
	}
	indexer := &fakeIndexer{}
	engine := newTestEngine(st, nil, indexer)

	event := mustEvent(t, EventProjectDeleted, ProjectDeleted{ProjectID: projectID})
	if err := engine.execute(context.Background(), event); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !pulled {
		t.Fatal("contributions not scrubbed")
	}
	if len(indexer.removed) != 1 || indexer.removed[0] != projectID.Hex() {
		t.Fatalf("index entry not removed: %v", indexer.removed)
	}
}

func TestUserCreatedEnrichesAndBackfills(t *testing.T) {
	userID := bson.NewObjectID()
	projectID := bson.NewObjectID()
	var patch store.UserPatch
	var backfilled []bson.ObjectID
	st := &fakeSyncStore{
		getUserFn: func(context.Context, bson.ObjectID) (store.User, error) {
			return store.User{ID: userID, Email: "dev@x.com", Enrichment: store.EnrichPending}, nil
		},
		updateUserFn: func(_ context.Context, _ bson.ObjectID, p store.UserPatch) (store.User, error) {
			patch = p
			return store.User{}, nil
		},
		activeProjectsFn: func(context.Context, string) ([]store.Project, error) {
			return []store.Project{{ID: projectID}}, nil
		},
		addToUserFn: func(_ context.Context, _ bson.ObjectID, ids []bson.ObjectID) error {
			backfilled = ids
			return nil
		},
	}
	enricher := &fakeEnricher{profile: &enrich.Profile{
		Login:     "devhandle",
		ID:        42,
		AvatarURL: "https://avatars.githubusercontent.com/u/42",
	}}
	engine := newTestEngine(st, enricher, nil)

	event := mustEvent(t, EventUserCreated, UserCreated{UserID: userID, Email: "dev@x.com"})
	if err := engine.execute(context.Background(), event); err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if patch.Enrichment == nil || *patch.Enrichment != store.EnrichDone {
		t.Fatalf("enrichment not marked done: %+v", patch)
	}
	if patch.GitHubID == nil || *patch.GitHubID != "devhandle" {
		t.Fatalf("github id not stored: %+v", patch)
	}
	if patch.Avatar == nil || *patch.Avatar != "https://avatars.githubusercontent.com/u/42" {
		t.Fatalf("avatar not stored: %+v", patch)
	}
	if len(backfilled) != 1 || backfilled[0] != projectID {
		t.Fatalf("contributions not backfilled: %v", backfilled)
	}
}

func TestUserCreatedEnrichmentOutcomes(t *testing.T) {
	userID := bson.NewObjectID()
	cases := []struct {
		name     string
		enricher *fakeEnricher
		want     string
	}{
		{"no match", &fakeEnricher{profile: nil}, store.EnrichSkipped},
		{"lookup error", &fakeEnricher{err: errors.New("rate limited")}, store.EnrichFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var patch store.UserPatch
			st := &fakeSyncStore{
				getUserFn: func(context.Context, bson.ObjectID) (store.User, error) {
					return store.User{ID: userID, Email: "dev@x.com", Enrichment: store.EnrichPending}, nil
				},
				updateUserFn: func(_ context.Context, _ bson.ObjectID, p store.UserPatch) (store.User, error) {
					patch = p
					return store.User{}, nil
				},
			}
			engine := newTestEngine(st, tc.enricher, nil)

			event := mustEvent(t, EventUserCreated, UserCreated{UserID: userID, Email: "dev@x.com"})
			if err := engine.execute(context.Background(), event); err != nil {
				t.Fatalf("execute failed: %v", err)
			}
			if patch.Enrichment == nil || *patch.Enrichment != tc.want {
				t.Fatalf("expected enrichment %s, got %+v", tc.want, patch)
			}
		})
	}
}

func TestUserCreatedSkipsDeletedUser(t *testing.T) {
	st := &fakeSyncStore{
		getUserFn: func(context.Context, bson.ObjectID) (store.User, error) {
			return store.User{}, store.ErrNotFound
		},
	}
	engine := newTestEngine(st, nil, nil)

	event := mustEvent(t, EventUserCreated, UserCreated{UserID: bson.NewObjectID(), Email: "gone@x.com"})
	if err := engine.execute(context.Background(), event); err != nil {
		t.Fatalf("deleted user should complete the event: %v", err)
	}
}

func TestEmailChangedRenamesUntilClean(t *testing.T) {
	passes := 0
	st := &fakeSyncStore{
		renameFn: func(_ context.Context, oldEmail, newEmail string) (int64, error) {
			if oldEmail != "old@x.com" || newEmail != "new@x.com" {
				t.Fatalf("unexpected rename args: %s -> %s", oldEmail, newEmail)
			}
			passes++
			if passes < 3 {
				return 2, nil
			}
			return 0, nil
		},
	}
	engine := newTestEngine(st, nil, nil)

	event := mustEvent(t, EventUserEmailChanged, UserEmailChanged{
		UserID:   bson.NewObjectID(),
		OldEmail: "old@x.com",
		NewEmail: "new@x.com",
	})
	if err := engine.execute(context.Background(), event); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if passes != 3 {
		t.Fatalf("expected 3 rename passes, got %d", passes)
	}
}

func TestUserDeletedRemovesCollaborator(t *testing.T) {
	var removedEmail string
	st := &fakeSyncStore{
		removeFn: func(_ context.Context, email string) (int64, error) {
			removedEmail = email
			return 2, nil
		},
	}
	engine := newTestEngine(st, nil, nil)

	event := mustEvent(t, EventUserDeleted, UserDeleted{Email: "gone@x.com"})
	if err := engine.execute(context.Background(), event); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if removedEmail != "gone@x.com" {
		t.Fatalf("collaborator not removed: %q", removedEmail)
	}
}

func TestHandleRetriesThenParksEvent(t *testing.T) {
	st := &fakeSyncStore{
		removeFn: func(context.Context, string) (int64, error) {
			return 0, errors.New("down")
		},
	}

	var failedFinal []bool
	st.failEventFn = func(_ context.Context, _ string, lastError string, final bool) error {
		if lastError == "" {
			t.Fatal("lastError not recorded")
		}
		failedFinal = append(failedFinal, final)
		return nil
	}
	engine := newTestEngine(st, nil, nil)

	event := mustEvent(t, EventUserDeleted, UserDeleted{Email: "gone@x.com"})
	event.Attempts = 1
	engine.handle(context.Background(), event)

	event.Attempts = event.MaxAttempts
	engine.handle(context.Background(), event)

	if len(failedFinal) != 2 || failedFinal[0] || !failedFinal[1] {
		t.Fatalf("unexpected failure sequence: %v", failedFinal)
	}
}

func TestHandleCompletesSuccessfulEvent(t *testing.T) {
	completed := ""
	st := &fakeSyncStore{
		completeEventFn: func(_ context.Context, id string) error {
			completed = id
			return nil
		},
	}
	engine := newTestEngine(st, nil, nil)

	event := mustEvent(t, EventUserDeleted, UserDeleted{Email: "gone@x.com"})
	engine.handle(context.Background(), event)
	if completed != event.ID {
		t.Fatalf("event not completed: %q", completed)
	}
}

func TestUnknownEventTypeFails(t *testing.T) {
	engine := newTestEngine(&fakeSyncStore{}, nil, nil)
	err := engine.execute(context.Background(), store.OutboxEvent{Type: "bogus"})
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
}
