package githubapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v75/github"
)

// IssueListOptions filters ListRepoIssues.
type IssueListOptions struct {
	State     string
	Labels    []string
	Assignee  string
	Sort      string
	Direction string
}

func (o IssueListOptions) values() url.Values {
	values := url.Values{}
	setIfNotEmpty(values, "state", o.State)
	if len(o.Labels) > 0 {
		values.Set("labels", strings.Join(o.Labels, ","))
	}
	setIfNotEmpty(values, "assignee", o.Assignee)
	setIfNotEmpty(values, "sort", o.Sort)
	setIfNotEmpty(values, "direction", o.Direction)
	return values
}

// PullRequestListOptions filters ListRepoPullRequests.
type PullRequestListOptions struct {
	State     string
	Base      string
	Sort      string
	Direction string
}

func (o PullRequestListOptions) values() url.Values {
	values := url.Values{}
	setIfNotEmpty(values, "state", o.State)
	setIfNotEmpty(values, "base", o.Base)
	setIfNotEmpty(values, "sort", o.Sort)
	setIfNotEmpty(values, "direction", o.Direction)
	return values
}

// CommitListOptions filters ListRepoCommits.
type CommitListOptions struct {
	SHA   string
	Since time.Time
	Until time.Time
	// MaxCommits stops the walk early once reached. Zero lists everything.
	MaxCommits int
}

func (o CommitListOptions) values() url.Values {
	values := url.Values{}
	setIfNotEmpty(values, "sha", o.SHA)
	if !o.Since.IsZero() {
		values.Set("since", o.Since.UTC().Format(time.RFC3339))
	}
	if !o.Until.IsZero() {
		values.Set("until", o.Until.UTC().Format(time.RFC3339))
	}
	return values
}

// CommitList is the result of ListRepoCommits.
type CommitList struct {
	Commits []*github.RepositoryCommit
	// Truncated is set when MaxCommits cut the walk short.
	Truncated bool
}

// GetRepository fetches one repository.
func (g *Gateway) GetRepository(ctx context.Context, owner, repo string) (*github.Repository, error) {
	path, err := repoPath(owner, repo, "")
	if err != nil {
		return nil, err
	}
	return GetJSON[*github.Repository](ctx, g, path, nil)
}

// ListRepoIssues lists issues of a repository. GitHub returns pull requests
// from this endpoint too; they are filtered out.
func (g *Gateway) ListRepoIssues(ctx context.Context, owner, repo string, opts IssueListOptions) ([]*github.Issue, error) {
	path, err := repoPath(owner, repo, "issues")
	if err != nil {
		return nil, err
	}
	all, err := ListAll[*github.Issue](ctx, g, path, opts.values())
	if err != nil {
		return nil, err
	}
	issues := make([]*github.Issue, 0, len(all))
	for _, issue := range all {
		if issue == nil || issue.IsPullRequest() {
			continue
		}
		issues = append(issues, issue)
	}
	return issues, nil
}

// ListRepoPullRequests lists pull requests of a repository.
func (g *Gateway) ListRepoPullRequests(ctx context.Context, owner, repo string, opts PullRequestListOptions) ([]*github.PullRequest, error) {
	path, err := repoPath(owner, repo, "pulls")
	if err != nil {
		return nil, err
	}
	return ListAll[*github.PullRequest](ctx, g, path, opts.values())
}

// ListRepoHooks lists webhooks configured on a repository.
func (g *Gateway) ListRepoHooks(ctx context.Context, owner, repo string) ([]*github.Hook, error) {
	path, err := repoPath(owner, repo, "hooks")
	if err != nil {
		return nil, err
	}
	return ListAll[*github.Hook](ctx, g, path, nil)
}

// ListRepoBranches lists branches of a repository.
func (g *Gateway) ListRepoBranches(ctx context.Context, owner, repo string) ([]*github.Branch, error) {
	path, err := repoPath(owner, repo, "branches")
	if err != nil {
		return nil, err
	}
	return ListAll[*github.Branch](ctx, g, path, nil)
}

// ListRepoCommits lists commits in a time window, newest first.
func (g *Gateway) ListRepoCommits(ctx context.Context, owner, repo string, opts CommitListOptions) (CommitList, error) {
	if !opts.Since.IsZero() && !opts.Until.IsZero() && opts.Until.Before(opts.Since) {
		return CommitList{}, invalidRequestf("until must not be before since")
	}
	path, err := repoPath(owner, repo, "commits")
	if err != nil {
		return CommitList{}, err
	}
	iterator, err := g.Pages(path, opts.values())
	if err != nil {
		return CommitList{}, err
	}

	result := CommitList{Commits: make([]*github.RepositoryCommit, 0)}
	for {
		raw, err := iterator.Next(ctx)
		if err != nil {
			return CommitList{}, err
		}
		if raw == nil {
			return result, nil
		}
		page, err := DecodeItems[*github.RepositoryCommit](raw)
		if err != nil {
			return CommitList{}, err
		}
		result.Commits = append(result.Commits, page...)
		if opts.MaxCommits > 0 && len(result.Commits) >= opts.MaxCommits {
			result.Truncated = len(result.Commits) > opts.MaxCommits || iterator.HasMore()
			result.Commits = result.Commits[:opts.MaxCommits]
			return result, nil
		}
	}
}

// CreateIssueComment posts a comment on an issue or pull request.
func (g *Gateway) CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) (*github.IssueComment, error) {
	if number <= 0 {
		return nil, invalidRequestf("issue number must be > 0")
	}
	if strings.TrimSpace(body) == "" {
		return nil, invalidRequestf("comment body is required")
	}
	path, err := repoPath(owner, repo, fmt.Sprintf("issues/%d/comments", number))
	if err != nil {
		return nil, err
	}
	return SendJSON[*github.IssueComment](ctx, g, http.MethodPost, path, &github.IssueComment{Body: github.Ptr(body)})
}

func repoPath(owner, repo, suffix string) (string, error) {
	owner = strings.TrimSpace(owner)
	repo = strings.TrimSpace(repo)
	if owner == "" || repo == "" {
		return "", invalidRequestf("owner and repo are required")
	}
	if strings.ContainsAny(owner+repo, "/?#%") || owner == ".." || repo == ".." {
		return "", invalidRequestf("owner and repo must be single path segments")
	}
	path := "/repos/" + owner + "/" + repo
	if suffix != "" {
		path += "/" + suffix
	}
	return path, nil
}

func setIfNotEmpty(values url.Values, key, value string) {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		values.Set(key, trimmed)
	}
}
