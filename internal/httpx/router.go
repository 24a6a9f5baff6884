// Package httpx exposes the management API: repository registration,
// lifecycle inspection, manual sync triggers and live build-log streaming.
package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LordVaderXIII/Appmanager/internal/domain"
	"github.com/LordVaderXIII/Appmanager/internal/dockerx"
	"github.com/LordVaderXIII/Appmanager/internal/gitsync"
	"github.com/LordVaderXIII/Appmanager/internal/repository"
	"github.com/LordVaderXIII/Appmanager/internal/ws"
)

type syncTrigger interface {
	TriggerRepo(ctx context.Context, repoID string) error
}

type containerOps interface {
	Logs(ctx context.Context, name string, tail int) (string, error)
	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
}

type tokenSealer interface {
	Seal(plaintext string) ([]byte, error)
}

type workspaceRemover interface {
	Remove(identifier string) error
}

// Router wires HTTP endpoints to the orchestration services.
type Router struct {
	mux           *http.ServeMux
	logger        *slog.Logger
	repos         repository.RepoRepository
	builds        repository.BuildRunRepository
	errs          repository.ErrorRecordRepository
	trigger       syncTrigger
	engine        containerOps
	sealer        tokenSealer
	workspaces    workspaceRemover
	hub           *ws.Hub
	upgrader      websocket.Upgrader
	limiter       RateLimiter
	adminToken    string
	defaultBranch string
	dbHealth      func(context.Context) error
	dockerHealth  func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitWrite     = 60
	rateLimitRead      = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	defaultLogTail     = 200
)

// NewRouter assembles routes with dependencies.
func NewRouter(
	logger *slog.Logger,
	repos repository.RepoRepository,
	builds repository.BuildRunRepository,
	errs repository.ErrorRecordRepository,
	trigger syncTrigger,
	engine containerOps,
	sealer tokenSealer,
	workspaces workspaceRemover,
	hub *ws.Hub,
	limiter RateLimiter,
	adminToken, defaultBranch string,
	dbHealth, dockerHealth func(context.Context) error,
) *Router {
	r := &Router{
		mux:        http.NewServeMux(),
		logger:     logger,
		repos:      repos,
		builds:     builds,
		errs:       errs,
		trigger:    trigger,
		engine:     engine,
		sealer:     sealer,
		workspaces: workspaces,
		hub:        hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:       limiter,
		adminToken:    strings.TrimSpace(adminToken),
		defaultBranch: defaultBranch,
		dbHealth:      dbHealth,
		dockerHealth:  dockerHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.defaultBranch == "" {
		r.defaultBranch = "main"
	}
	if r.adminToken == "" {
		r.logger.Warn("no admin token configured, management API is unauthenticated")
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.HandleFunc("/repos", r.audit("/repos", r.adminRate("/repos", rateLimitWrite, rateWindowDefault, r.handleRepos)))
	r.mux.HandleFunc("/repos/", r.audit("/repos/:id", r.adminRate("/repos/:id", rateLimitWrite, rateWindowDefault, r.handleRepoSubroutes)))
	r.mux.HandleFunc("/ws/logs", r.audit("/ws/logs", r.adminRate("/ws/logs", rateLimitWebsocket, rateWindowRealtime, r.handleLogsWS)))
}

type repoView struct {
	ID             string               `json:"id"`
	URL            string               `json:"url"`
	Name           string               `json:"name"`
	Branch         string               `json:"branch"`
	Username       string               `json:"username,omitempty"`
	HasToken       bool                 `json:"has_token"`
	State          string               `json:"state"`
	LastRevision   string               `json:"last_revision,omitempty"`
	ImageTag       string               `json:"image_tag,omitempty"`
	ContainerName  string               `json:"container_name,omitempty"`
	LastLogExcerpt string               `json:"last_log_excerpt,omitempty"`
	ForceSync      bool                 `json:"force_sync"`
	Overrides      domain.SpecOverrides `json:"overrides"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

func viewOf(repo domain.TrackedRepo) repoView {
	return repoView{
		ID:             repo.ID,
		URL:            repo.URL,
		Name:           repo.Name,
		Branch:         repo.Branch,
		Username:       repo.Username,
		HasToken:       len(repo.EncryptedToken) > 0,
		State:          string(repo.State),
		LastRevision:   repo.LastRevision,
		ImageTag:       repo.ImageTag,
		ContainerName:  repo.ContainerName,
		LastLogExcerpt: repo.LastLogExcerpt,
		ForceSync:      repo.ForceSync,
		Overrides:      repo.Overrides,
		CreatedAt:      repo.CreatedAt,
		UpdatedAt:      repo.UpdatedAt,
	}
}

func (r *Router) handleRepos(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		r.handleRepoCreate(w, req)
	case http.MethodGet:
		repos, err := r.repos.ListRepos(req.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		views := make([]repoView, 0, len(repos))
		for _, repo := range repos {
			views = append(views, viewOf(repo))
		}
		writeJSON(w, http.StatusOK, views)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleRepoCreate(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		URL       string               `json:"url"`
		Name      string               `json:"name"`
		Branch    string               `json:"branch"`
		Username  string               `json:"username"`
		Token     string               `json:"token"`
		Overrides domain.SpecOverrides `json:"overrides"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	payload.URL = strings.TrimSpace(payload.URL)
	if payload.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	name := strings.TrimSpace(payload.Name)
	if name == "" {
		name = gitsync.RepoName(payload.URL)
	}
	branch := strings.TrimSpace(payload.Branch)
	if branch == "" {
		branch = r.defaultBranch
	}

	repo := &domain.TrackedRepo{
		ID:        uuid.NewString(),
		URL:       payload.URL,
		Name:      name,
		Branch:    branch,
		Username:  strings.TrimSpace(payload.Username),
		State:     domain.StateNone,
		Overrides: payload.Overrides,
	}
	if token := strings.TrimSpace(payload.Token); token != "" {
		sealed, err := r.sealer.Seal(token)
		if err != nil {
			r.logger.Error("seal repo token", "error", err)
			writeError(w, http.StatusInternalServerError, "could not store credentials")
			return
		}
		repo.EncryptedToken = sealed
	}

	if err := r.repos.CreateRepo(req.Context(), repo); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			writeError(w, http.StatusConflict, "repository URL already tracked")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if r.trigger != nil {
		if err := r.trigger.TriggerRepo(req.Context(), repo.ID); err != nil {
			r.logger.Warn("initial sync trigger failed", "repo", repo.Name, "error", err)
		}
	}
	writeJSON(w, http.StatusCreated, viewOf(*repo))
}

func (r *Router) handleRepoSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/repos/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 1 || parts[0] == "" {
		r.notFound(w)
		return
	}
	repoID := parts[0]
	if len(parts) == 1 {
		r.handleRepo(w, req, repoID)
		return
	}
	if len(parts) != 2 {
		r.notFound(w)
		return
	}
	switch parts[1] {
	case "sync":
		r.handleRepoSync(w, req, repoID)
	case "overrides":
		r.handleRepoOverrides(w, req, repoID)
	case "builds":
		r.handleRepoBuilds(w, req, repoID)
	case "errors":
		r.handleRepoErrors(w, req, repoID)
	case "logs":
		r.handleRepoLogs(w, req, repoID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleRepo(w http.ResponseWriter, req *http.Request, repoID string) {
	switch req.Method {
	case http.MethodGet:
		repo, ok := r.loadRepo(w, req, repoID)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, viewOf(*repo))
	case http.MethodDelete:
		r.handleRepoDelete(w, req, repoID)
	default:
		r.methodNotAllowed(w)
	}
}

// handleRepoDelete untracks a repository: the managed container and the
// local checkout go with it, build history cascades in the database.
func (r *Router) handleRepoDelete(w http.ResponseWriter, req *http.Request, repoID string) {
	repo, ok := r.loadRepo(w, req, repoID)
	if !ok {
		return
	}
	containerName := r.containerName(*repo)
	if err := r.engine.Stop(req.Context(), containerName); err != nil {
		r.logger.Warn("stop container during untrack", "container", containerName, "error", err)
	}
	if err := r.engine.Remove(req.Context(), containerName); err != nil {
		r.logger.Warn("remove container during untrack", "container", containerName, "error", err)
	}
	if err := r.workspaces.Remove(repo.ID); err != nil {
		r.logger.Warn("remove checkout during untrack", "repo", repo.Name, "error", err)
	}
	if err := r.repos.DeleteRepo(req.Context(), repoID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (r *Router) handleRepoSync(w http.ResponseWriter, req *http.Request, repoID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if err := r.trigger.TriggerRepo(req.Context(), repoID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (r *Router) handleRepoOverrides(w http.ResponseWriter, req *http.Request, repoID string) {
	if req.Method != http.MethodPut {
		r.methodNotAllowed(w)
		return
	}
	var payload domain.SpecOverrides
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.repos.UpdateRepoOverrides(req.Context(), repoID, payload); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

func (r *Router) handleRepoBuilds(w http.ResponseWriter, req *http.Request, repoID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	runs, err := r.builds.ListBuildRuns(req.Context(), repoID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (r *Router) handleRepoErrors(w http.ResponseWriter, req *http.Request, repoID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	records, err := r.errs.ListErrorRecords(req.Context(), repoID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (r *Router) handleRepoLogs(w http.ResponseWriter, req *http.Request, repoID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	repo, ok := r.loadRepo(w, req, repoID)
	if !ok {
		return
	}
	tail, _ := strconv.Atoi(req.URL.Query().Get("tail"))
	if tail <= 0 {
		tail = defaultLogTail
	}
	logText, err := r.engine.Logs(req.Context(), r.containerName(*repo), tail)
	if err != nil {
		if errors.Is(err, dockerx.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no container for repository")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"repo_id": repo.ID, "logs": logText})
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	repoID := req.URL.Query().Get("repo_id")
	if repoID == "" {
		writeError(w, http.StatusBadRequest, "repo_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(repoID, client)
	go func() {
		defer func() {
			r.hub.Unregister(repoID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	checks := map[string]func(context.Context) error{
		"database": r.dbHealth,
		"docker":   r.dockerHealth,
	}
	for name, check := range checks {
		if check == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
		} else {
			components[name] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) loadRepo(w http.ResponseWriter, req *http.Request, repoID string) (*domain.TrackedRepo, bool) {
	repo, err := r.repos.GetRepoByID(req.Context(), repoID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return repo, true
}

// containerName resolves the container a repository is (or was last)
// running under. The name recorded by the last run attempt wins: the
// manifest may declare a service name that neither the repo name nor the
// overrides predict.
func (r *Router) containerName(repo domain.TrackedRepo) string {
	if repo.ContainerName != "" {
		return repo.ContainerName
	}
	if repo.Overrides.ContainerName != "" {
		return dockerx.SanitizeName(repo.Overrides.ContainerName)
	}
	return dockerx.SanitizeName(repo.Name)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
		r.recordRequestMetrics(req.Method, route, status, duration)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
