package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"

	"portfolio/api/internal/enrich"
	"portfolio/api/internal/principal"
	"portfolio/api/internal/search"
	"portfolio/api/internal/store"
	outbox "portfolio/api/internal/sync"
)

// ProjectInput is the mutation payload for projects. Pointer fields and
// nil slices mean "not provided", which the update path relies on.
type ProjectInput struct {
	Title          *string  `json:"title"`
	Content        *string  `json:"content"`
	Link           *string  `json:"link"`
	Repo           *string  `json:"repo"`
	SkillsRequired []string `json:"skillsRequired"`
	Collaborators  []string `json:"collaborators"`
	IsArchived     *bool    `json:"isArchived"`
	IsFeatured     *bool    `json:"isFeatured"`
	For            *string  `json:"for"`
	Comments       []string `json:"comments"`
	AccessList     []string `json:"accessList"`
}

// UserInput is the mutation payload for users.
type UserInput struct {
	Email      *string `json:"email"`
	Avatar     *string `json:"avatar"`
	IsVerified *bool   `json:"isVerified"`
}

type dataStore interface {
	Ping(ctx context.Context) error

	FindProjectByTitle(ctx context.Context, title string, excludeID *bson.ObjectID) (*store.Project, error)
	InsertProject(ctx context.Context, project *store.Project) error
	GetProject(ctx context.Context, id bson.ObjectID) (store.Project, error)
	UpdateProject(ctx context.Context, id bson.ObjectID, patch store.ProjectPatch) (store.Project, error)
	DeleteProject(ctx context.Context, id bson.ObjectID) (bool, error)
	ListProjects(ctx context.Context, filter store.ProjectFilter) ([]store.Project, error)

	FindUserByEmail(ctx context.Context, email string) (*store.User, error)
	InsertUser(ctx context.Context, user *store.User) error
	GetUser(ctx context.Context, id bson.ObjectID) (store.User, error)
	UpdateUser(ctx context.Context, id bson.ObjectID, patch store.UserPatch) (store.User, error)
	DeleteUser(ctx context.Context, id bson.ObjectID) (bool, error)
	RecordLogin(ctx context.Context, id bson.ObjectID) error

	EnqueueEvent(ctx context.Context, event *store.OutboxEvent) error
}

// Notifier wakes the sync worker after an event is enqueued.
type Notifier interface {
	Notify()
}

type searchService interface {
	Search(ctx context.Context, q search.Query) (search.Response, error)
	Index(p search.ProjectRecord)
	Remove(id string)
	Reindex(projects []search.ProjectRecord)
}

// Service implements the mutation pipeline: authorization, validation,
// the authoritative write, then an outbox event for every change the
// sync worker has to mirror.
type Service struct {
	store            dataStore
	search           searchService
	events           Notifier
	admins           principal.AdminSet
	maxEventAttempts int
	log              *zap.Logger
}

func New(st *store.MongoStore, searchSvc *search.Service, admins principal.AdminSet, maxEventAttempts int, log *zap.Logger) *Service {
	return &Service{
		store:            st,
		search:           searchSvc,
		admins:           admins,
		maxEventAttempts: maxEventAttempts,
		log:              log,
	}
}

// SetNotifier wires the sync worker in after construction; the worker
// itself needs the store the service is built on.
func (s *Service) SetNotifier(n Notifier) {
	s.events = n
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// requireAdmin treats any non-admin caller, authenticated or not, the
// same way: the mutation surface does not exist for them.
func requireAdmin(caller principal.Principal) error {
	if !caller.Authenticated || !caller.IsAdmin {
		return unauthorized()
	}
	return nil
}

// emit enqueues an outbox event. The write it describes has already
// committed, so a failed enqueue is logged as divergence rather than
// surfaced to the caller.
func (s *Service) emit(ctx context.Context, eventType string, payload any) {
	event, err := outbox.NewEvent(eventType, payload, s.maxEventAttempts)
	if err != nil {
		s.log.Error("build event", zap.String("type", eventType), zap.Error(err))
		return
	}
	if err := s.store.EnqueueEvent(ctx, &event); err != nil {
		s.log.Error("enqueue event", zap.String("type", eventType), zap.Error(err))
		return
	}
	if s.events != nil {
		s.events.Notify()
	}
}

func (s *Service) index(project store.Project) {
	if s.search != nil {
		s.search.Index(searchRecord(project))
	}
}

// --- projects ---

func (s *Service) CreateProject(ctx context.Context, caller principal.Principal, input ProjectInput) (map[string]any, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	if details := missingProjectFields(input, true); details != nil {
		return nil, missingFields(details)
	}
	if details := validateProjectInput(input); details != nil {
		return nil, validationError("invalid project", details)
	}

	title := strings.TrimSpace(*input.Title)
	existing, err := s.store.FindProjectByTitle(ctx, title, nil)
	if err != nil {
		return nil, internalError(err)
	}
	if existing != nil {
		return nil, duplicateTitle(title)
	}

	project := store.Project{
		Title:          title,
		SkillsRequired: trimAll(input.SkillsRequired),
		Collaborators:  normalizeEmails(input.Collaborators),
	}
	if project.Collaborators == nil {
		project.Collaborators = []string{}
	}
	if input.Content != nil {
		project.Content = *input.Content
	}
	if input.Link != nil {
		project.Link = strings.TrimSpace(*input.Link)
	}
	if input.Repo != nil {
		project.Repo = strings.TrimSpace(*input.Repo)
	}
	if input.IsFeatured != nil {
		project.IsFeatured = *input.IsFeatured
	}
	if input.For != nil {
		project.For = strings.TrimSpace(*input.For)
	}
	if input.AccessList != nil {
		ids, ok := parseObjectIDs(input.AccessList)
		if !ok {
			return nil, validationError("invalid project", map[string]string{"accessList": "accessList entries must be object ids"})
		}
		project.AccessList = ids
	}
	if creator := s.callerUser(ctx, caller); creator != nil {
		project.CreatedBy = creator.ID
		project.LastUpdatedBy = creator.ID
	}

	if err := s.store.InsertProject(ctx, &project); err != nil {
		if store.IsDuplicateKey(err) {
			return nil, projectConflict(err, title)
		}
		return nil, internalError(err)
	}

	s.emit(ctx, outbox.EventProjectCreated, outbox.ProjectCreated{
		ProjectID:     project.ID,
		Collaborators: project.Collaborators,
	})
	s.index(project)
	return mapProject(project), nil
}

func (s *Service) UpdateProject(ctx context.Context, caller principal.Principal, id string, input ProjectInput) (map[string]any, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	projectID, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, badRequest("invalid project id")
	}
	if !input.hasAnyField() {
		return nil, badRequest("no fields to update")
	}
	if details := missingProjectFields(input, false); details != nil {
		return nil, missingFields(details)
	}
	if details := validateProjectInput(input); details != nil {
		return nil, validationError("invalid project", details)
	}

	current, err := s.store.GetProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("project not found")
	}
	if err != nil {
		return nil, internalError(err)
	}

	if current.IsArchived && !input.onlyUnarchives() {
		return nil, forbidden("archived project only accepts {isArchived: false}")
	}
	if input.For != nil && strings.TrimSpace(*input.For) != current.For {
		return nil, validationError("invalid project", map[string]string{"for": "audience tag cannot be changed"})
	}

	patch := store.ProjectPatch{}
	changed := false

	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title != current.Title {
			conflicting, err := s.store.FindProjectByTitle(ctx, title, &projectID)
			if err != nil {
				return nil, internalError(err)
			}
			if conflicting != nil {
				return nil, duplicateTitle(title)
			}
			patch.Title = &title
			changed = true
		}
	}
	if input.Content != nil && *input.Content != current.Content {
		patch.Content = input.Content
		changed = true
	}
	if input.Link != nil {
		link := strings.TrimSpace(*input.Link)
		if link != current.Link {
			patch.Link = &link
			changed = true
		}
	}
	if input.Repo != nil {
		repo := strings.TrimSpace(*input.Repo)
		if repo != current.Repo {
			patch.Repo = &repo
			changed = true
		}
	}
	if input.SkillsRequired != nil {
		skills := trimAll(input.SkillsRequired)
		if !equalStrings(skills, current.SkillsRequired) {
			patch.SkillsRequired = skills
			changed = true
		}
	}

	var added, removed []string
	if input.Collaborators != nil {
		collaborators := normalizeEmails(input.Collaborators)
		if !equalStrings(collaborators, current.Collaborators) {
			patch.Collaborators = collaborators
			added, removed = diffStrings(current.Collaborators, collaborators)
			changed = true
		}
	}

	if input.IsArchived != nil && *input.IsArchived != current.IsArchived {
		patch.IsArchived = input.IsArchived
		changed = true
	}
	if input.IsFeatured != nil && *input.IsFeatured != current.IsFeatured {
		patch.IsFeatured = input.IsFeatured
		changed = true
	}
	if input.AccessList != nil {
		ids, ok := parseObjectIDs(input.AccessList)
		if !ok {
			return nil, validationError("invalid project", map[string]string{"accessList": "accessList entries must be object ids"})
		}
		if !equalObjectIDs(ids, current.AccessList) {
			patch.AccessList = ids
			changed = true
		}
	}
	if input.Comments != nil {
		ids, ok := parseObjectIDs(input.Comments)
		if !ok {
			return nil, validationError("invalid project", map[string]string{"comments": "comments entries must be object ids"})
		}
		if !equalObjectIDs(ids, current.Comments) {
			patch.Comments = ids
			changed = true
		}
	}

	if !changed {
		return nil, noChanges()
	}

	if updater := s.callerUser(ctx, caller); updater != nil {
		patch.LastUpdatedBy = &updater.ID
	}

	updated, err := s.store.UpdateProject(ctx, projectID, patch)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("project not found")
	}
	if err != nil {
		if store.IsDuplicateKey(err) {
			title := current.Title
			if patch.Title != nil {
				title = *patch.Title
			}
			return nil, projectConflict(err, title)
		}
		return nil, internalError(err)
	}

	if len(added) > 0 || len(removed) > 0 {
		s.emit(ctx, outbox.EventProjectCollaboratorsChanged, outbox.ProjectCollaboratorsChanged{
			ProjectID: projectID,
			Added:     added,
			Removed:   removed,
		})
	}
	s.index(updated)
	return mapProject(updated), nil
}

// DeleteProject removes a project for good. Archiving first is mandatory,
// which keeps an accidental delete a two-step mistake.
func (s *Service) DeleteProject(ctx context.Context, caller principal.Principal, id string) (map[string]any, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	projectID, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, badRequest("invalid project id")
	}

	project, err := s.store.GetProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("project not found")
	}
	if err != nil {
		return nil, internalError(err)
	}
	if !project.IsArchived {
		return nil, forbidden("project must be archived before deletion")
	}

	deleted, err := s.store.DeleteProject(ctx, projectID)
	if err != nil {
		return nil, internalError(err)
	}
	if !deleted {
		return nil, notFound("project not found")
	}

	s.emit(ctx, outbox.EventProjectDeleted, outbox.ProjectDeleted{ProjectID: projectID})
	if s.search != nil {
		s.search.Remove(projectID.Hex())
	}
	return mapProject(project), nil
}

func (s *Service) GetProject(ctx context.Context, id string) (map[string]any, error) {
	projectID, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, badRequest("invalid project id")
	}
	project, err := s.store.GetProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("project not found")
	}
	if err != nil {
		return nil, internalError(err)
	}
	return mapProject(project), nil
}

func (s *Service) ListProjects(ctx context.Context, filter store.ProjectFilter) ([]map[string]any, error) {
	projects, err := s.store.ListProjects(ctx, filter)
	if err != nil {
		return nil, internalError(err)
	}
	out := make([]map[string]any, 0, len(projects))
	for _, project := range projects {
		out = append(out, mapProject(project))
	}
	return out, nil
}

// ReindexSearch pushes every project into the search index, archived ones
// included so includeArchived queries work. Run at startup; the index is
// disposable and the store is the source of truth.
func (s *Service) ReindexSearch(ctx context.Context) error {
	if s.search == nil {
		return nil
	}
	projects, err := s.store.ListProjects(ctx, store.ProjectFilter{AnyArchived: true})
	if err != nil {
		return err
	}
	records := make([]search.ProjectRecord, 0, len(projects))
	for _, project := range projects {
		records = append(records, searchRecord(project))
	}
	s.search.Reindex(records)
	return nil
}

func (s *Service) SearchProjects(ctx context.Context, q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, internalError(errors.New("search not configured"))
	}
	resp, err := s.search.Search(ctx, q)
	if err != nil {
		return search.Response{}, internalError(err)
	}
	return resp, nil
}

// --- users ---

// Login resolves the caller into a stored user, creating one on first
// sight. New users start with a generated avatar and a pending enrichment
// the sync worker completes out of band.
func (s *Service) Login(ctx context.Context, caller principal.Principal) (map[string]any, error) {
	if !caller.Authenticated {
		return nil, unauthorized()
	}

	email := strings.ToLower(strings.TrimSpace(caller.Email))
	user, err := s.store.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, internalError(err)
	}

	if user == nil {
		fresh := store.User{
			Email:      email,
			Avatar:     enrich.FallbackAvatar(email),
			IsAdmin:    caller.IsAdmin || s.admins.Contains(email),
			IsVerified: true,
			Enrichment: store.EnrichPending,
		}
		if err := s.store.InsertUser(ctx, &fresh); err != nil {
			if !store.IsDuplicateKey(err) {
				return nil, internalError(err)
			}
			// Lost a concurrent first-login race; use the winner's record.
			user, err = s.store.FindUserByEmail(ctx, email)
			if err != nil || user == nil {
				return nil, internalError(err)
			}
		} else {
			user = &fresh
			s.emit(ctx, outbox.EventUserCreated, outbox.UserCreated{UserID: fresh.ID, Email: email})
		}
	} else if s.admins.Contains(email) && !user.IsAdmin {
		// Promoted in config since last login.
		isAdmin := true
		promoted, err := s.store.UpdateUser(ctx, user.ID, store.UserPatch{IsAdmin: &isAdmin})
		if err != nil {
			return nil, internalError(err)
		}
		user = &promoted
	}

	if err := s.store.RecordLogin(ctx, user.ID); err != nil {
		s.log.Warn("record login", zap.String("email", email), zap.Error(err))
	}
	return mapUser(*user), nil
}

func (s *Service) Me(ctx context.Context, caller principal.Principal) (map[string]any, error) {
	if !caller.Authenticated {
		return nil, unauthorized()
	}
	user, err := s.store.FindUserByEmail(ctx, caller.Email)
	if err != nil {
		return nil, internalError(err)
	}
	if user == nil {
		return nil, notFound("user not found")
	}
	return mapUser(*user), nil
}

func (s *Service) GetUser(ctx context.Context, caller principal.Principal, id string) (map[string]any, error) {
	if !caller.Authenticated {
		return nil, unauthorized()
	}
	userID, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, badRequest("invalid user id")
	}
	user, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("user not found")
	}
	if err != nil {
		return nil, internalError(err)
	}
	if !caller.IsAdmin && !strings.EqualFold(caller.Email, user.Email) {
		return nil, forbidden("cannot view another user")
	}
	return mapUser(user), nil
}

func (s *Service) UpdateUser(ctx context.Context, caller principal.Principal, id string, input UserInput) (map[string]any, error) {
	if !caller.Authenticated {
		return nil, unauthorized()
	}
	userID, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, badRequest("invalid user id")
	}

	user, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("user not found")
	}
	if err != nil {
		return nil, internalError(err)
	}
	if !caller.IsAdmin && !strings.EqualFold(caller.Email, user.Email) {
		return nil, forbidden("cannot modify another user")
	}
	if input.IsVerified != nil && !caller.IsAdmin {
		return nil, forbidden("only an admin can change verification")
	}

	patch := store.UserPatch{}
	oldEmail := user.Email
	emailChanged := false

	if input.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*input.Email))
		if !emailPattern.MatchString(email) {
			return nil, validationError("invalid user", map[string]string{"email": "email must be a valid address"})
		}
		if !strings.EqualFold(email, oldEmail) {
			conflicting, err := s.store.FindUserByEmail(ctx, email)
			if err != nil {
				return nil, internalError(err)
			}
			if conflicting != nil {
				return nil, duplicateEmail(email)
			}
			patch.Email = &email
			emailChanged = true
		}
	}
	if input.Avatar != nil && *input.Avatar != user.Avatar {
		patch.Avatar = input.Avatar
	}
	if input.IsVerified != nil && *input.IsVerified != user.IsVerified {
		patch.IsVerified = input.IsVerified
	}

	if patch.Email == nil && patch.Avatar == nil && patch.IsVerified == nil {
		return nil, noChanges()
	}

	updated, err := s.store.UpdateUser(ctx, userID, patch)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("user not found")
	}
	if err != nil {
		if store.IsDuplicateKey(err) {
			return nil, duplicateEmail(*patch.Email)
		}
		return nil, internalError(err)
	}

	if emailChanged {
		s.emit(ctx, outbox.EventUserEmailChanged, outbox.UserEmailChanged{
			UserID:   userID,
			OldEmail: oldEmail,
			NewEmail: updated.Email,
		})
	}
	return mapUser(updated), nil
}

// DeleteUser removes the account; the sync worker scrubs the email from
// every collaborator list afterwards.
func (s *Service) DeleteUser(ctx context.Context, caller principal.Principal, id string) (map[string]any, error) {
	if !caller.Authenticated {
		return nil, unauthorized()
	}
	userID, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, badRequest("invalid user id")
	}

	user, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("user not found")
	}
	if err != nil {
		return nil, internalError(err)
	}
	if !caller.IsAdmin && !strings.EqualFold(caller.Email, user.Email) {
		return nil, forbidden("cannot delete another user")
	}

	deleted, err := s.store.DeleteUser(ctx, userID)
	if err != nil {
		return nil, internalError(err)
	}
	if !deleted {
		return nil, notFound("user not found")
	}

	s.emit(ctx, outbox.EventUserDeleted, outbox.UserDeleted{Email: user.Email})
	return mapUser(user), nil
}

// --- helpers ---

func (s *Service) callerUser(ctx context.Context, caller principal.Principal) *store.User {
	if caller.Email == "" {
		return nil
	}
	user, err := s.store.FindUserByEmail(ctx, caller.Email)
	if err != nil {
		s.log.Warn("resolve caller", zap.Error(err))
		return nil
	}
	return user
}

func parseObjectIDs(values []string) ([]bson.ObjectID, bool) {
	ids := make([]bson.ObjectID, 0, len(values))
	for _, v := range values {
		id, err := bson.ObjectIDFromHex(strings.TrimSpace(v))
		if err != nil {
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}

func equalObjectIDs(a, b []bson.ObjectID) bool {
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

func searchRecord(p store.Project) search.ProjectRecord {
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

func mapProject(p store.Project) map[string]any {
	collaborators := p.Collaborators
	if collaborators == nil {
		collaborators = []string{}
	}
	skills := p.SkillsRequired
	if skills == nil {
		skills = []string{}
	}
	return map[string]any{
		"id":             p.ID.Hex(),
		"title":          p.Title,
		"content":        p.Content,
		"link":           p.Link,
		"repo":           p.Repo,
		"skillsRequired": skills,
		"collaborators":  collaborators,
		"isArchived":     p.IsArchived,
		"isFeatured":     p.IsFeatured,
		"for":            p.For,
		"comments":       hexIDs(p.Comments),
		"accessList":     hexIDs(p.AccessList),
		"version":        p.Version,
		"createdAt":      p.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":      p.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func mapUser(u store.User) map[string]any {
	out := map[string]any{
		"id":            u.ID.Hex(),
		"email":         u.Email,
		"avatar":        u.Avatar,
		"githubId":      u.GitHubID,
		"isAdmin":       u.IsAdmin,
		"isVerified":    u.IsVerified,
		"contributions": hexIDs(u.Contributions),
		"enrichment":    u.Enrichment,
		"loginCount":    u.LoginCount,
		"createdAt":     u.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":     u.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if u.LastLogin != nil {
		out["lastLogin"] = u.LastLogin.UTC().Format(time.RFC3339)
	} else {
		out["lastLogin"] = nil
	}
	return out
}

func hexIDs(ids []bson.ObjectID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.Hex())
	}
	return out
}

// StoreFallback answers search queries straight from the store when the
// search index is down, using the fuzzy title filter.
type StoreFallback struct {
	store interface {
		ListProjects(ctx context.Context, filter store.ProjectFilter) ([]store.Project, error)
	}
}

func NewStoreFallback(st *store.MongoStore) *StoreFallback {
	return &StoreFallback{store: st}
}

func (f *StoreFallback) SearchProjects(ctx context.Context, q search.Query) ([]search.ProjectRecord, error) {
	filter := store.ProjectFilter{Title: q.Text, AnyArchived: q.IncludeArchived}
	projects, err := f.store.ListProjects(ctx, filter)
	if err != nil {
		return nil, err
	}

	if q.Offset > 0 {
		if q.Offset >= len(projects) {
			projects = nil
		} else {
			projects = projects[q.Offset:]
		}
	}
	if q.Limit > 0 && len(projects) > q.Limit {
		projects = projects[:q.Limit]
	}

	records := make([]search.ProjectRecord, 0, len(projects))
	for _, project := range projects {
		records = append(records, searchRecord(project))
	}
	return records, nil
}
