package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"

	"portfolio/api/internal/enrich"
	"portfolio/api/internal/search"
	"portfolio/api/internal/store"
)

// Store is the slice of the persistence layer the engine needs.
type Store interface {
	ClaimEvent(ctx context.Context) (*store.OutboxEvent, error)
	CompleteEvent(ctx context.Context, id string) error
	FailEvent(ctx context.Context, id, lastError string, final bool) error
	RequeueStaleEvents(ctx context.Context, olderThan time.Duration) (int64, error)

	GetProject(ctx context.Context, id bson.ObjectID) (store.Project, error)
	ActiveProjectsWithCollaborator(ctx context.Context, email string) ([]store.Project, error)
	RenameCollaborator(ctx context.Context, oldEmail, newEmail string) (int64, error)
	RemoveCollaborator(ctx context.Context, email string) (int64, error)

	GetUser(ctx context.Context, id bson.ObjectID) (store.User, error)
	UpdateUser(ctx context.Context, id bson.ObjectID, patch store.UserPatch) (store.User, error)
	AddContributions(ctx context.Context, projectID bson.ObjectID, emails []string) (int64, error)
	PullContributions(ctx context.Context, projectID bson.ObjectID, emails []string) (int64, error)
	PullContributionEverywhere(ctx context.Context, projectID bson.ObjectID) (int64, error)
	AddContributionsToUser(ctx context.Context, userID bson.ObjectID, projectIDs []bson.ObjectID) error
}

// Enricher looks up a public profile for an email address.
type Enricher interface {
	SearchByEmail(ctx context.Context, email string) (*enrich.Profile, error)
}

// Indexer keeps the search index in step with project state.
type Indexer interface {
	Index(p search.ProjectRecord)
	Remove(id string)
}

// StepError names the step of a multi-step event that failed, so a retry
// log line points at the right mirror write.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

const staleAfter = 5 * time.Minute

// Engine drains the outbox and applies each event's mirror writes.
// Events are retried until MaxAttempts; the mutation that produced an
// event has already committed, so the engine only ever converges state.
type Engine struct {
	store         Store
	enricher      Enricher
	indexer       Indexer
	log           *zap.Logger
	pollInterval  time.Duration
	enrichTimeout time.Duration

	notify  chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

func NewEngine(st Store, enricher Enricher, indexer Indexer, pollInterval, enrichTimeout time.Duration, log *zap.Logger) *Engine {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Engine{
		store:         st,
		enricher:      enricher,
		indexer:       indexer,
		log:           log,
		pollInterval:  pollInterval,
		enrichTimeout: enrichTimeout,
		notify:        make(chan struct{}, 1),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
}

// Notify wakes the engine after a producer enqueued an event. Non-blocking;
// the poll ticker covers anything a dropped signal would miss.
func (e *Engine) Notify() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Start runs the drain loop until Stop is called.
func (e *Engine) Start(ctx context.Context) {
	go e.run(ctx)
}

// Stop signals the loop and waits for the in-flight event to finish.
func (e *Engine) Stop() {
	close(e.done)
	<-e.stopped
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.stopped)

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	if n, err := e.store.RequeueStaleEvents(ctx, staleAfter); err != nil {
		e.log.Warn("requeue stale events", zap.Error(err))
	} else if n > 0 {
		e.log.Info("requeued stale events", zap.Int64("count", n))
	}

	e.drain(ctx)
	for {
		select {
		case <-e.done:
			return
		case <-ctx.Done():
			return
		case <-e.notify:
			e.drain(ctx)
		case <-ticker.C:
			if _, err := e.store.RequeueStaleEvents(ctx, staleAfter); err != nil {
				e.log.Warn("requeue stale events", zap.Error(err))
			}
			e.drain(ctx)
		}
	}
}

func (e *Engine) drain(ctx context.Context) {
	for {
		select {
		case <-e.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		event, err := e.store.ClaimEvent(ctx)
		if err != nil {
			e.log.Error("claim event", zap.Error(err))
			return
		}
		if event == nil {
			return
		}
		e.handle(ctx, *event)
	}
}

func (e *Engine) handle(ctx context.Context, ev store.OutboxEvent) {
	log := e.log.With(
		zap.String("event", ev.ID),
		zap.String("type", ev.Type),
		zap.Int("attempt", ev.Attempts),
	)

	err := e.execute(ctx, ev)
	if err == nil {
		if completeErr := e.store.CompleteEvent(ctx, ev.ID); completeErr != nil {
			log.Error("complete event", zap.Error(completeErr))
		}
		return
	}

	final := ev.MaxAttempts > 0 && ev.Attempts >= ev.MaxAttempts
	if final {
		log.Error("event failed permanently", zap.Error(err))
	} else {
		log.Warn("event failed, will retry", zap.Error(err))
	}
	if failErr := e.store.FailEvent(ctx, ev.ID, err.Error(), final); failErr != nil {
		log.Error("fail event", zap.Error(failErr))
	}
}

func (e *Engine) execute(ctx context.Context, ev store.OutboxEvent) error {
	switch ev.Type {
	case EventProjectCreated:
		return e.projectCreated(ctx, ev)
	case EventProjectCollaboratorsChanged:
		return e.collaboratorsChanged(ctx, ev)
	case EventProjectDeleted:
		return e.projectDeleted(ctx, ev)
	case EventUserCreated:
		return e.userCreated(ctx, ev)
	case EventUserEmailChanged:
		return e.emailChanged(ctx, ev)
	case EventUserDeleted:
		return e.userDeleted(ctx, ev)
	default:
		// Unknown types never succeed on retry.
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
}

// projectCreated mirrors the project into every collaborator's
// contribution list and seeds the search index.
func (e *Engine) projectCreated(ctx context.Context, ev store.OutboxEvent) error {
	payload, err := decodePayload[ProjectCreated](ev)
	if err != nil {
		return err
	}

	if _, err := e.store.AddContributions(ctx, payload.ProjectID, payload.Collaborators); err != nil {
		return &StepError{Step: "add contributions", Err: err}
	}
	e.reindex(ctx, payload.ProjectID)
	return nil
}

// collaboratorsChanged applies additions and removals concurrently and
// independently so one failing mirror write does not block the other.
func (e *Engine) collaboratorsChanged(ctx context.Context, ev store.OutboxEvent) error {
	payload, err := decodePayload[ProjectCollaboratorsChanged](ev)
	if err != nil {
		return err
	}

	addDone := make(chan error, 1)
	go func() {
		var stepErr error
		if _, err := e.store.AddContributions(ctx, payload.ProjectID, payload.Added); err != nil {
			stepErr = &StepError{Step: "add contributions", Err: err}
		}
		addDone <- stepErr
	}()

	var pullErr error
	if _, err := e.store.PullContributions(ctx, payload.ProjectID, payload.Removed); err != nil {
		pullErr = &StepError{Step: "pull contributions", Err: err}
	}
	addErr := <-addDone
	if addErr != nil || pullErr != nil {
		return errors.Join(addErr, pullErr)
	}

	e.reindex(ctx, payload.ProjectID)
	return nil
}

func (e *Engine) projectDeleted(ctx context.Context, ev store.OutboxEvent) error {
	payload, err := decodePayload[ProjectDeleted](ev)
	if err != nil {
		return err
	}

	if _, err := e.store.PullContributionEverywhere(ctx, payload.ProjectID); err != nil {
		return &StepError{Step: "pull contribution everywhere", Err: err}
	}
	if e.indexer != nil {
		e.indexer.Remove(payload.ProjectID.Hex())
	}
	return nil
}

// userCreated enriches the new user's profile and backfills contributions
// for projects that already listed the email as a collaborator.
func (e *Engine) userCreated(ctx context.Context, ev store.OutboxEvent) error {
	payload, err := decodePayload[UserCreated](ev)
	if err != nil {
		return err
	}

	user, err := e.store.GetUser(ctx, payload.UserID)
	if errors.Is(err, store.ErrNotFound) {
		// Deleted before the event ran; nothing left to sync.
		return nil
	}
	if err != nil {
		return &StepError{Step: "load user", Err: err}
	}

	if user.Enrichment == store.EnrichPending {
		e.enrichUser(ctx, user)
	}

	projects, err := e.store.ActiveProjectsWithCollaborator(ctx, payload.Email)
	if err != nil {
		return &StepError{Step: "find existing projects", Err: err}
	}
	ids := make([]bson.ObjectID, 0, len(projects))
	for _, p := range projects {
		ids = append(ids, p.ID)
	}
	if err := e.store.AddContributionsToUser(ctx, payload.UserID, ids); err != nil {
		return &StepError{Step: "backfill contributions", Err: err}
	}
	return nil
}

// enrichUser tries GitHub's email search for an avatar. Enrichment is
// best effort: a lookup error marks the user failed and the event still
// completes, since contribution sync must not wait on a third party.
func (e *Engine) enrichUser(ctx context.Context, user store.User) {
	status := store.EnrichSkipped
	patch := store.UserPatch{Enrichment: &status}

	if e.enricher != nil {
		lookupCtx := ctx
		if e.enrichTimeout > 0 {
			var cancel context.CancelFunc
			lookupCtx, cancel = context.WithTimeout(ctx, e.enrichTimeout)
			defer cancel()
		}

		profile, err := e.enricher.SearchByEmail(lookupCtx, user.Email)
		switch {
		case err != nil:
			e.log.Warn("github lookup failed",
				zap.String("email", user.Email), zap.Error(err))
			status = store.EnrichFailed
		case profile != nil:
			status = store.EnrichDone
			patch.GitHubID = &profile.Login
			if profile.AvatarURL != "" {
				patch.Avatar = &profile.AvatarURL
			}
		}
	}

	if _, err := e.store.UpdateUser(ctx, user.ID, patch); err != nil {
		e.log.Warn("store enrichment result",
			zap.String("email", user.Email), zap.Error(err))
	}
}

// emailChanged rewrites the old address inside every collaborator list,
// keeping list positions stable.
func (e *Engine) emailChanged(ctx context.Context, ev store.OutboxEvent) error {
	payload, err := decodePayload[UserEmailChanged](ev)
	if err != nil {
		return err
	}

	// Rewrite one occurrence per pass; collaborator lists are deduplicated
	// on write so a single pass is the normal case.
	for {
		n, err := e.store.RenameCollaborator(ctx, payload.OldEmail, payload.NewEmail)
		if err != nil {
			return &StepError{Step: "rename collaborator", Err: err}
		}
		if n == 0 {
			return nil
		}
	}
}

func (e *Engine) userDeleted(ctx context.Context, ev store.OutboxEvent) error {
	payload, err := decodePayload[UserDeleted](ev)
	if err != nil {
		return err
	}

	if _, err := e.store.RemoveCollaborator(ctx, payload.Email); err != nil {
		return &StepError{Step: "remove collaborator", Err: err}
	}
	return nil
}

func (e *Engine) reindex(ctx context.Context, id bson.ObjectID) {
	if e.indexer == nil {
		return
	}
	project, err := e.store.GetProject(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.log.Warn("load project for indexing", zap.Error(err))
		}
		return
	}
	e.indexer.Index(projectRecord(project))
}

func projectRecord(p store.Project) search.ProjectRecord {
	return search.ProjectRecord{
		ID:         p.ID.Hex(),
		Title:      p.Title,
		Content:    p.Content,
		Skills:     p.SkillsRequired,
		For:        p.For,
		IsFeatured: p.IsFeatured,
		IsArchived: p.IsArchived,
	}
}
