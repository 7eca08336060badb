package app

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cam3ron2/github-gateway/internal/githubapi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/go-github/v75/github"
	"go.uber.org/zap"
)

const maxCommentBodyBytes = 64 << 10

// RepositoryAPI is the slice of the gateway the dashboard endpoints use.
type RepositoryAPI interface {
	GetRepository(ctx context.Context, owner, repo string) (*github.Repository, error)
	ListRepoIssues(ctx context.Context, owner, repo string, opts githubapi.IssueListOptions) ([]*github.Issue, error)
	ListRepoPullRequests(ctx context.Context, owner, repo string, opts githubapi.PullRequestListOptions) ([]*github.PullRequest, error)
	ListRepoHooks(ctx context.Context, owner, repo string) ([]*github.Hook, error)
	ListRepoBranches(ctx context.Context, owner, repo string) ([]*github.Branch, error)
	ListRepoCommits(ctx context.Context, owner, repo string, opts githubapi.CommitListOptions) (githubapi.CommitList, error)
	CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) (*github.IssueComment, error)
	RateLimit() githubapi.RateLimitState
}

type apiHandler struct {
	gateway RepositoryAPI
	logger  *zap.Logger
	now     func() time.Time
}

type errorBody struct {
	Error  string `json:"error"`
	Class  string `json:"class"`
	Status int    `json:"status,omitempty"`
}

type commitsBody struct {
	Commits   []*github.RepositoryCommit `json:"commits"`
	Truncated bool                       `json:"truncated"`
}

type commentRequest struct {
	Body string `json:"body"`
}

// NewAPIHandler serves the dashboard's read and comment endpoints. Paths are
// relative to the /api mount point.
func NewAPIHandler(gateway RepositoryAPI, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &apiHandler{gateway: gateway, logger: logger, now: time.Now}

	router := chi.NewRouter()
	router.Get("/rate-limit", h.rateLimit)
	router.Route("/repos/{owner}/{repo}", func(r chi.Router) {
		r.Get("/", h.repository)
		r.Get("/issues", h.issues)
		r.Get("/pulls", h.pulls)
		r.Get("/hooks", h.hooks)
		r.Get("/branches", h.branches)
		r.Get("/commits", h.commits)
		r.Post("/issues/{number}/comments", h.createComment)
	})
	return router
}

func (h *apiHandler) rateLimit(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.gateway.RateLimit())
}

func (h *apiHandler) repository(w http.ResponseWriter, r *http.Request) {
	owner, repo := repoParams(r)
	repository, err := h.gateway.GetRepository(r.Context(), owner, repo)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, repository)
}

func (h *apiHandler) issues(w http.ResponseWriter, r *http.Request) {
	owner, repo := repoParams(r)
	query := r.URL.Query()
	opts := githubapi.IssueListOptions{
		State:     query.Get("state"),
		Labels:    splitList(query.Get("labels")),
		Assignee:  query.Get("assignee"),
		Sort:      query.Get("sort"),
		Direction: query.Get("direction"),
	}
	issues, err := h.gateway.ListRepoIssues(r.Context(), owner, repo, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, issues)
}

func (h *apiHandler) pulls(w http.ResponseWriter, r *http.Request) {
	owner, repo := repoParams(r)
	query := r.URL.Query()
	opts := githubapi.PullRequestListOptions{
		State:     query.Get("state"),
		Base:      query.Get("base"),
		Sort:      query.Get("sort"),
		Direction: query.Get("direction"),
	}
	pulls, err := h.gateway.ListRepoPullRequests(r.Context(), owner, repo, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pulls)
}

func (h *apiHandler) hooks(w http.ResponseWriter, r *http.Request) {
	owner, repo := repoParams(r)
	hooks, err := h.gateway.ListRepoHooks(r.Context(), owner, repo)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hooks)
}

func (h *apiHandler) branches(w http.ResponseWriter, r *http.Request) {
	owner, repo := repoParams(r)
	branches, err := h.gateway.ListRepoBranches(r.Context(), owner, repo)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, branches)
}

func (h *apiHandler) commits(w http.ResponseWriter, r *http.Request) {
	owner, repo := repoParams(r)
	query := r.URL.Query()
	opts := githubapi.CommitListOptions{SHA: query.Get("sha")}

	var err error
	if opts.Since, err = parseTimeParam(query.Get("since")); err != nil {
		writeBadRequest(w, "since must be an RFC3339 timestamp")
		return
	}
	if opts.Until, err = parseTimeParam(query.Get("until")); err != nil {
		writeBadRequest(w, "until must be an RFC3339 timestamp")
		return
	}
	if raw := strings.TrimSpace(query.Get("max")); raw != "" {
		opts.MaxCommits, err = strconv.Atoi(raw)
		if err != nil || opts.MaxCommits < 0 {
			writeBadRequest(w, "max must be a non-negative integer")
			return
		}
	}

	result, err := h.gateway.ListRepoCommits(r.Context(), owner, repo, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, commitsBody{Commits: result.Commits, Truncated: result.Truncated})
}

func (h *apiHandler) createComment(w http.ResponseWriter, r *http.Request) {
	owner, repo := repoParams(r)
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil {
		writeBadRequest(w, "issue number must be an integer")
		return
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommentBodyBytes))
	decoder.DisallowUnknownFields()
	var payload commentRequest
	if err := decoder.Decode(&payload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{
				Error: "comment body too large",
				Class: string(githubapi.ClassInvalidRequest),
			})
			return
		}
		writeBadRequest(w, "request body must be a JSON object with a body field")
		return
	}

	comment, err := h.gateway.CreateIssueComment(r.Context(), owner, repo, number, payload.Body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

// writeError maps a gateway failure to a dashboard response. Upstream detail
// beyond GitHub's own message is logged, never returned.
func (h *apiHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	class := githubapi.ClassOf(err)
	upstream := githubapi.StatusCodeOf(err)
	status, message := h.statusForError(w, err)

	fields := []zap.Field{
		zap.String("path", r.URL.Path),
		zap.String("class", string(class)),
		zap.Int("status", status),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Warn("github call failed", fields...)
	} else {
		h.logger.Debug("github call rejected", fields...)
	}

	writeJSON(w, status, errorBody{Error: message, Class: string(class), Status: upstream})
}

func (h *apiHandler) statusForError(w http.ResponseWriter, err error) (int, string) {
	switch githubapi.ClassOf(err) {
	case githubapi.ClassInvalidRequest:
		return http.StatusBadRequest, strings.TrimPrefix(err.Error(), githubapi.ErrInvalidRequest.Error()+": ")
	case githubapi.ClassClientError:
		var callErr *githubapi.CallError
		errors.As(err, &callErr)
		switch callErr.StatusCode {
		case http.StatusNotFound, http.StatusConflict, http.StatusGone, http.StatusUnprocessableEntity:
			message := callErr.Message
			if message == "" {
				message = http.StatusText(callErr.StatusCode)
			}
			return callErr.StatusCode, message
		default:
			return http.StatusBadGateway, "github rejected the gateway credentials or request"
		}
	case githubapi.ClassRateLimited, githubapi.ClassExhausted:
		if githubapi.IsRateLimited(err) {
			h.setRetryAfter(w)
			return http.StatusServiceUnavailable, "github rate limit exhausted"
		}
		return http.StatusBadGateway, "github unavailable"
	case githubapi.ClassServerError, githubapi.ClassNetworkError:
		return http.StatusBadGateway, "github unavailable"
	case githubapi.ClassPaginationOverflow:
		return http.StatusBadGateway, "github collection exceeded the page cap"
	case githubapi.ClassCanceled:
		return http.StatusServiceUnavailable, "request canceled"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (h *apiHandler) setRetryAfter(w http.ResponseWriter) {
	state := h.gateway.RateLimit()
	if !state.Known || state.ResetAt.IsZero() {
		return
	}
	seconds := int(math.Ceil(state.ResetAt.Sub(h.now()).Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: message, Class: string(githubapi.ClassInvalidRequest)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:gosec // Payload is server-generated JSON.
	if _, err := w.Write(body); err != nil {
		return
	}
}

func repoParams(r *http.Request) (string, string) {
	return chi.URLParam(r, "owner"), chi.URLParam(r, "repo")
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

func parseTimeParam(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
