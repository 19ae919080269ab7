package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const githubAPIBase = "https://api.github.com"

const commitsPerPage = 100

// PATClient implements Client using a GitHub Personal Access Token.
type PATClient struct {
	token      string
	baseURL    string
	httpClient *http.Client
	username   string // cached after first GetAuthenticatedUser call
}

// NewPATClient creates a new PAT-based GitHub client. An empty baseURL
// selects api.github.com; set it for GitHub Enterprise.
func NewPATClient(token, baseURL string) *PATClient {
	if baseURL == "" {
		baseURL = githubAPIBase
	}
	return &PATClient{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Ensure PATClient implements Client interface
var _ Client = (*PATClient)(nil)

func (c *PATClient) GetAuthenticatedUser(ctx context.Context) (string, error) {
	if c.username != "" {
		return c.username, nil
	}
	var user struct {
		Login string `json:"login"`
	}
	if err := c.get(ctx, "/user", &user); err != nil {
		return "", err
	}
	c.username = user.Login
	return c.username, nil
}

func (c *PATClient) GetPR(ctx context.Context, owner, repo string, number int) (*PR, error) {
	var raw patPR
	endpoint := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number)
	if err := c.get(ctx, endpoint, &raw); err != nil {
		return nil, fmt.Errorf("get PR #%d: %w", number, err)
	}
	return convertPatPR(&raw, owner, repo), nil
}

func (c *PATClient) GetPRDiff(ctx context.Context, owner, repo string, number int) (string, error) {
	endpoint := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number)
	diff, err := c.getRaw(ctx, endpoint, "application/vnd.github.v3.diff")
	if err != nil {
		return "", fmt.Errorf("get PR #%d diff: %w", number, err)
	}
	return diff, nil
}

func (c *PATClient) ListPRCommits(ctx context.Context, owner, repo string, number int) ([]Commit, error) {
	var all []Commit
	for page := 1; ; page++ {
		var raw []patCommitItem
		endpoint := fmt.Sprintf("/repos/%s/%s/pulls/%d/commits?per_page=%d&page=%d",
			owner, repo, number, commitsPerPage, page)
		if err := c.get(ctx, endpoint, &raw); err != nil {
			return nil, fmt.Errorf("list PR #%d commits: %w", number, err)
		}
		for i := range raw {
			all = append(all, convertPatCommit(&raw[i]))
		}
		if len(raw) < commitsPerPage {
			return all, nil
		}
	}
}

func (c *PATClient) GetBranch(ctx context.Context, owner, repo, branch string) (*Branch, error) {
	var raw patBranch
	endpoint := fmt.Sprintf("/repos/%s/%s/branches/%s", owner, repo, branch)
	if err := c.get(ctx, endpoint, &raw); err != nil {
		if StatusCode(err) == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
		}
		return nil, fmt.Errorf("get branch %s: %w", branch, err)
	}
	return &Branch{Name: raw.Name, SHA: raw.Commit.SHA, Protected: raw.Protected}, nil
}

func (c *PATClient) ListRecentCommits(ctx context.Context, owner, repo, branch string, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = 10
	}
	var raw []patCommitItem
	endpoint := fmt.Sprintf("/repos/%s/%s/commits?sha=%s&per_page=%d", owner, repo, branch, limit)
	if err := c.get(ctx, endpoint, &raw); err != nil {
		return nil, fmt.Errorf("list commits on %s: %w", branch, err)
	}
	commits := make([]Commit, len(raw))
	for i := range raw {
		commits[i] = convertPatCommit(&raw[i])
	}
	return commits, nil
}

func (c *PATClient) FindPRByBranch(ctx context.Context, owner, repo, branch string) (*PR, error) {
	var raw []patPR
	endpoint := fmt.Sprintf("/repos/%s/%s/pulls?head=%s:%s&state=open&per_page=1",
		owner, repo, owner, branch)
	if err := c.get(ctx, endpoint, &raw); err != nil {
		return nil, fmt.Errorf("find PR by branch: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return convertPatPR(&raw[0], owner, repo), nil
}

func (c *PATClient) CreatePR(ctx context.Context, owner, repo string, params CreatePRParams) (*PR, error) {
	var raw patPR
	endpoint := fmt.Sprintf("/repos/%s/%s/pulls", owner, repo)
	payload := map[string]interface{}{
		"title": params.Title,
		"body":  params.Body,
		"head":  params.Head,
		"base":  params.Base,
		"draft": params.Draft,
	}
	if err := c.post(ctx, endpoint, payload, &raw); err != nil {
		return nil, fmt.Errorf("create PR %s -> %s: %w", params.Head, params.Base, err)
	}
	return convertPatPR(&raw, owner, repo), nil
}

func (c *PATClient) CreateComment(ctx context.Context, owner, repo string, number int, body string) (*Comment, error) {
	var raw patComment
	endpoint := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number)
	if err := c.post(ctx, endpoint, map[string]string{"body": body}, &raw); err != nil {
		return nil, fmt.Errorf("comment on #%d: %w", number, err)
	}
	return &Comment{
		ID:        raw.ID,
		Author:    raw.User.Login,
		Body:      raw.Body,
		HTMLURL:   raw.HTMLURL,
		CreatedAt: raw.CreatedAt,
	}, nil
}

func (c *PATClient) CreateReaction(ctx context.Context, owner, repo string, commentID int64, content string) error {
	endpoint := fmt.Sprintf("/repos/%s/%s/issues/comments/%d/reactions", owner, repo, commentID)
	if err := c.post(ctx, endpoint, map[string]string{"content": content}, nil); err != nil {
		return fmt.Errorf("react to comment %d: %w", commentID, err)
	}
	return nil
}

func (c *PATClient) GetPermissionLevel(ctx context.Context, owner, repo, username string) (string, error) {
	var raw struct {
		Permission string `json:"permission"`
	}
	endpoint := fmt.Sprintf("/repos/%s/%s/collaborators/%s/permission", owner, repo, username)
	if err := c.get(ctx, endpoint, &raw); err != nil {
		// Non-collaborators come back as 404
		if StatusCode(err) == http.StatusNotFound {
			return "none", nil
		}
		return "", fmt.Errorf("get permission for %s: %w", username, err)
	}
	return raw.Permission, nil
}

func (c *PATClient) get(ctx context.Context, endpoint string, result interface{}) error {
	return c.do(ctx, http.MethodGet, endpoint, nil, result)
}

func (c *PATClient) post(ctx context.Context, endpoint string, payload, result interface{}) error {
	return c.do(ctx, http.MethodPost, endpoint, payload, result)
}

func (c *PATClient) do(ctx context.Context, method, endpoint string, payload, result interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", endpoint, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "token "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apiError{endpoint: endpoint, status: resp.StatusCode, body: string(body)}
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// getRaw fetches an endpoint with a media-type override and returns the
// response body verbatim. Used for diff downloads.
func (c *PATClient) getRaw(ctx context.Context, endpoint, accept string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "token "+c.token)
	req.Header.Set("Accept", accept)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &apiError{endpoint: endpoint, status: resp.StatusCode, body: string(body)}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read %s response: %w", endpoint, err)
	}
	return string(data), nil
}

// apiError preserves the HTTP status so callers can branch on 404/422.
type apiError struct {
	endpoint string
	status   int
	body     string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("GitHub API %s returned %d: %s", e.endpoint, e.status, e.body)
}

// NewAPIError builds a status-bearing error like the ones this client
// returns, for other Client implementations that need StatusCode to work.
func NewAPIError(endpoint string, status int, body string) error {
	return &apiError{endpoint: endpoint, status: status, body: body}
}

// StatusCode returns the HTTP status behind err, or 0 when err did not come
// from the GitHub API.
func StatusCode(err error) int {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.status
	}
	return 0
}

// patPR is the JSON shape from the GitHub REST API for PRs.
type patPR struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	HTMLURL   string    `json:"html_url"`
	State     string    `json:"state"`
	Draft     bool      `json:"draft"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	MergedAt  *string   `json:"merged_at"`
	ClosedAt  *string   `json:"closed_at"`
	User      struct {
		Login string `json:"login"`
	} `json:"user"`
	Head struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

type patBranch struct {
	Name   string `json:"name"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
	Protected bool `json:"protected"`
}

type patCommitItem struct {
	SHA    string `json:"sha"`
	Commit struct {
		Message string `json:"message"`
		Author  struct {
			Name string    `json:"name"`
			Date time.Time `json:"date"`
		} `json:"author"`
	} `json:"commit"`
	Author *struct {
		Login string `json:"login"`
	} `json:"author"`
	HTMLURL string `json:"html_url"`
}

type patComment struct {
	ID      int64  `json:"id"`
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
	User    struct {
		Login string `json:"login"`
	} `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

func convertPatPR(raw *patPR, owner, repo string) *PR {
	state := strings.ToLower(raw.State)
	if raw.MergedAt != nil && *raw.MergedAt != "" {
		state = prStateMerged
	}
	pr := &PR{
		Number:      raw.Number,
		Title:       raw.Title,
		Body:        raw.Body,
		HTMLURL:     raw.HTMLURL,
		State:       state,
		HeadBranch:  raw.Head.Ref,
		HeadSHA:     raw.Head.SHA,
		BaseBranch:  raw.Base.Ref,
		AuthorLogin: raw.User.Login,
		RepoOwner:   owner,
		RepoName:    repo,
		Draft:       raw.Draft,
		CreatedAt:   raw.CreatedAt,
		UpdatedAt:   raw.UpdatedAt,
	}
	if raw.MergedAt != nil {
		pr.MergedAt = parseTimePtr(*raw.MergedAt)
	}
	if raw.ClosedAt != nil {
		pr.ClosedAt = parseTimePtr(*raw.ClosedAt)
	}
	return pr
}

func convertPatCommit(raw *patCommitItem) Commit {
	author := raw.Commit.Author.Name
	if raw.Author != nil && raw.Author.Login != "" {
		author = raw.Author.Login
	}
	return Commit{
		SHA:     raw.SHA,
		Message: raw.Commit.Message,
		Author:  author,
		URL:     raw.HTMLURL,
		Date:    raw.Commit.Author.Date,
	}
}

func parseTimePtr(value string) *time.Time {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil
	}
	return &t
}
