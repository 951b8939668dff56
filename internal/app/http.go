package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"portfolio/api/internal/principal"
	"portfolio/api/internal/search"
	"portfolio/api/internal/store"
)

// principalResolver turns an Authorization header into a Principal.
// Resolution never fails: anything unverifiable is Anonymous.
type principalResolver interface {
	Resolve(ctx context.Context, authorization string) principal.Principal
}

type ctxKey int

const principalKey ctxKey = 0

// HTTPServer is the REST surface over the service.
type HTTPServer struct {
	service    *Service
	resolver   principalResolver
	corsOrigin string
	log        *zap.Logger
}

func NewHTTPServer(service *Service, resolver principalResolver, corsOrigin string, log *zap.Logger) *HTTPServer {
	return &HTTPServer{
		service:    service,
		resolver:   resolver,
		corsOrigin: corsOrigin,
		log:        log,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{s.corsOrigin},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(s.withPrincipal)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)

	r.Route("/api/projects", func(r chi.Router) {
		r.Get("/", s.handleListProjects)
		r.Post("/", s.handleCreateProject)
		r.Get("/search", s.handleSearch)
		r.Get("/{id}", s.handleGetProject)
		r.Patch("/{id}", s.handleUpdateProject)
		r.Delete("/{id}", s.handleDeleteProject)
	})

	r.Post("/api/login", s.handleLogin)
	r.Get("/api/me", s.handleMe)

	r.Route("/api/users", func(r chi.Router) {
		r.Get("/{id}", s.handleGetUser)
		r.Patch("/{id}", s.handleUpdateUser)
		r.Delete("/{id}", s.handleDeleteUser)
	})

	return r
}

// withPrincipal resolves the caller once per request and stashes the
// result in the context. Handlers read it with callerFrom.
func (s *HTTPServer) withPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := s.resolver.Resolve(r.Context(), r.Header.Get("Authorization"))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, caller)))
	})
}

func callerFrom(r *http.Request) principal.Principal {
	if caller, ok := r.Context().Value(principalKey).(principal.Principal); ok {
		return caller
	}
	return principal.Anonymous
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.service.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ok":     false,
			"checks": map[string]any{"database": err.Error()},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleListProjects(w http.ResponseWriter, r *http.Request) {
	filter, err := projectFilterFromQuery(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	projects, err := s.service.ListProjects(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *HTTPServer) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.service.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *HTTPServer) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var input ProjectInput
	if err := decodeBody(r, &input); err != nil {
		s.writeDomainError(w, badRequest(err.Error()))
		return
	}
	project, err := s.service.CreateProject(r.Context(), callerFrom(r), input)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *HTTPServer) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	var input ProjectInput
	if err := decodeBody(r, &input); err != nil {
		s.writeDomainError(w, badRequest(err.Error()))
		return
	}
	project, err := s.service.UpdateProject(r.Context(), callerFrom(r), chi.URLParam(r, "id"), input)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *HTTPServer) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.service.DeleteProject(r.Context(), callerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := search.Query{
		Text:            strings.TrimSpace(r.URL.Query().Get("q")),
		IncludeArchived: r.URL.Query().Get("includeArchived") == "true",
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			s.writeDomainError(w, badRequest("invalid limit"))
			return
		}
		query.Limit = n
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			s.writeDomainError(w, badRequest("invalid offset"))
			return
		}
		query.Offset = n
	}

	resp, err := s.service.SearchProjects(r.Context(), query)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	user, err := s.service.Login(r.Context(), callerFrom(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *HTTPServer) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.service.Me(r.Context(), callerFrom(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *HTTPServer) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.service.GetUser(r.Context(), callerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *HTTPServer) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var input UserInput
	if err := decodeBody(r, &input); err != nil {
		s.writeDomainError(w, badRequest(err.Error()))
		return
	}
	user, err := s.service.UpdateUser(r.Context(), callerFrom(r), chi.URLParam(r, "id"), input)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *HTTPServer) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.service.DeleteUser(r.Context(), callerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// projectFilterFromQuery maps list query parameters onto the store filter.
// archived accepts true, false or any; absent means false.
func projectFilterFromQuery(r *http.Request) (store.ProjectFilter, error) {
	q := r.URL.Query()
	filter := store.ProjectFilter{
		For:   strings.TrimSpace(q.Get("for")),
		Title: strings.TrimSpace(q.Get("title")),
	}

	switch archived := q.Get("archived"); archived {
	case "", "false":
	case "true":
		yes := true
		filter.Archived = &yes
	case "any":
		filter.AnyArchived = true
	default:
		return store.ProjectFilter{}, badRequest("archived must be true, false or any")
	}

	if featured := q.Get("featured"); featured != "" {
		value, err := strconv.ParseBool(featured)
		if err != nil {
			return store.ProjectFilter{}, badRequest("featured must be a boolean")
		}
		filter.Featured = &value
	}

	if skills, ok := q["skill"]; ok {
		filter.SkillsRequired = trimAll(skills)
	}
	if collaborators, ok := q["collaborator"]; ok {
		filter.Collaborators = normalizeEmails(collaborators)
	}
	return filter, nil
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeDomainError renders any error as the error envelope; non-domain
// errors become a logged 500 without leaking internals.
func (s *HTTPServer) writeDomainError(w http.ResponseWriter, err error) {
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		domainErr = internalError(err)
	}
	if domainErr.Status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("code", domainErr.Code), zap.Error(err))
	}

	body := map[string]any{
		"code":    domainErr.Code,
		"message": domainErr.Message,
	}
	if domainErr.Details != nil {
		body["details"] = domainErr.Details
	}
	writeJSON(w, domainErr.Status, map[string]any{"error": body})
}
