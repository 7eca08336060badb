//go:build e2e

package e2e

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeGitHubAPI struct {
	mu sync.Mutex

	server *httptest.Server

	repoData  map[string]repositoryFixture
	failures  map[string]*failureRule
	callCount map[string]int
	comments  []string
	perPage   int
	remaining int
}

type failureRule struct {
	status    int
	remaining int
	headers   map[string]string
	body      map[string]string
}

type repositoryFixture struct {
	Issues   []fixtureIssue
	Pulls    []int
	Branches []string
}

type fixtureIssue struct {
	Number      int
	Title       string
	PullRequest bool
}

func newFakeGitHubAPI(t *testing.T) *fakeGitHubAPI {
	t.Helper()

	fixture := &fakeGitHubAPI{
		repoData:  make(map[string]repositoryFixture),
		failures:  make(map[string]*failureRule),
		callCount: make(map[string]int),
		perPage:   2,
		remaining: 5000,
	}
	fixture.server = httptest.NewServer(http.HandlerFunc(fixture.serveHTTP))
	t.Cleanup(fixture.Close)
	return fixture
}

func (f *fakeGitHubAPI) URL() string {
	if f == nil || f.server == nil {
		return ""
	}
	return f.server.URL
}

func (f *fakeGitHubAPI) Close() {
	if f == nil || f.server == nil {
		return
	}
	f.server.Close()
}

func (f *fakeGitHubAPI) SetRepository(owner string, repo string, data repositoryFixture) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repoData[repoKey(owner, repo)] = data
}

// FailPath answers the next times calls to path with statusCode and headers.
func (f *fakeGitHubAPI) FailPath(path string, statusCode int, times int, headers map[string]string) {
	if statusCode <= 0 || times <= 0 {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[path] = &failureRule{
		status:    statusCode,
		remaining: times,
		headers:   headers,
		body: map[string]string{
			"message": fmt.Sprintf("forced failure for %s", path),
		},
	}
}

func (f *fakeGitHubAPI) PathCallCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount[path]
}

func (f *fakeGitHubAPI) Comments() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.comments...)
}

func (f *fakeGitHubAPI) serveHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	f.incrementCall(path)

	if r.Header.Get("Authorization") != "token ghp_e2e" {
		f.writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Bad credentials"})
		return
	}
	if f.tryFailPath(path, w) {
		return
	}

	segments := splitPath(path)
	if len(segments) >= 3 && segments[0] == "repos" {
		f.handleRepositoryRoutes(w, r, segments)
		return
	}

	f.writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
}

func (f *fakeGitHubAPI) incrementCall(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount[path]++
}

func (f *fakeGitHubAPI) tryFailPath(path string, w http.ResponseWriter) bool {
	f.mu.Lock()
	rule, ok := f.failures[path]
	if ok && rule.remaining > 0 {
		rule.remaining--
		status := rule.status
		body := rule.body
		headers := rule.headers
		f.mu.Unlock()
		for key, value := range headers {
			w.Header().Set(key, value)
		}
		f.writeJSON(w, status, body)
		return true
	}
	f.mu.Unlock()
	return false
}

func (f *fakeGitHubAPI) handleRepositoryRoutes(w http.ResponseWriter, r *http.Request, segments []string) {
	owner := segments[1]
	repo := segments[2]
	data, found := f.getRepository(owner, repo)
	if !found {
		f.writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}

	switch {
	case len(segments) == 3:
		f.writeJSON(w, http.StatusOK, map[string]any{
			"name":           repo,
			"full_name":      repoKey(owner, repo),
			"default_branch": "main",
		})
	case len(segments) == 4 && segments[3] == "issues":
		items := make([]map[string]any, 0, len(data.Issues))
		for _, issue := range data.Issues {
			item := map[string]any{"number": issue.Number, "title": issue.Title}
			if issue.PullRequest {
				item["pull_request"] = map[string]any{"url": fmt.Sprintf("%s/repos/%s/pulls/%d", f.URL(), repoKey(owner, repo), issue.Number)}
			}
			items = append(items, item)
		}
		f.writePage(w, r, items)
	case len(segments) == 4 && segments[3] == "pulls":
		items := make([]map[string]any, 0, len(data.Pulls))
		for _, number := range data.Pulls {
			items = append(items, map[string]any{"number": number, "state": "open"})
		}
		f.writePage(w, r, items)
	case len(segments) == 4 && segments[3] == "branches":
		items := make([]map[string]any, 0, len(data.Branches))
		for _, name := range data.Branches {
			items = append(items, map[string]any{"name": name})
		}
		f.writePage(w, r, items)
	case len(segments) == 6 && segments[3] == "issues" && segments[5] == "comments" && r.Method == http.MethodPost:
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			f.writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Problems parsing JSON"})
			return
		}
		f.mu.Lock()
		f.comments = append(f.comments, segments[4]+":"+payload["body"])
		f.mu.Unlock()
		f.writeJSON(w, http.StatusCreated, map[string]any{"id": 1, "body": payload["body"]})
	default:
		f.writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
	}
}

// writePage serves items in pages of perPage and links to the next page.
func (f *fakeGitHubAPI) writePage(w http.ResponseWriter, r *http.Request, items []map[string]any) {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		page = 1
	}
	f.mu.Lock()
	perPage := f.perPage
	f.mu.Unlock()

	start := min((page-1)*perPage, len(items))
	end := min(start+perPage, len(items))
	if end < len(items) {
		w.Header().Set("Link", fmt.Sprintf(`<%s%s?page=%d>; rel="next", <%s%s?page=1>; rel="first"`,
			f.URL(), r.URL.Path, page+1, f.URL(), r.URL.Path))
	}
	f.writeJSON(w, http.StatusOK, items[start:end])
}

func (f *fakeGitHubAPI) getRepository(owner string, repo string) (repositoryFixture, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.repoData[repoKey(owner, repo)]
	return data, ok
}

func (f *fakeGitHubAPI) writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	f.mu.Lock()
	if f.remaining > 0 {
		f.remaining--
	}
	remaining := f.remaining
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-RateLimit-Limit", "5000")
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
	w.WriteHeader(statusCode)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		return
	}
}

func splitPath(path string) []string {
	trimmed := strings.TrimSpace(path)
	trimmed = strings.Trim(trimmed, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func repoKey(owner string, repo string) string {
	return strings.TrimSpace(owner) + "/" + strings.TrimSpace(repo)
}
