// Package github provides the GitHub REST adapter for backportd: PR and
// branch lookups, trigger comment acknowledgement, and backport PR creation.
package github

import "time"

const prStateMerged = "merged"

// Reaction contents used on trigger comments.
const (
	ReactionEyes     = "eyes"
	ReactionThumbsUp = "+1"
)

// PR represents a GitHub Pull Request.
type PR struct {
	Number      int        `json:"number"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	HTMLURL     string     `json:"html_url"`
	State       string     `json:"state"` // open, closed, merged
	HeadBranch  string     `json:"head_branch"`
	HeadSHA     string     `json:"head_sha"`
	BaseBranch  string     `json:"base_branch"`
	AuthorLogin string     `json:"author_login"`
	RepoOwner   string     `json:"repo_owner"`
	RepoName    string     `json:"repo_name"`
	Draft       bool       `json:"draft"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	MergedAt    *time.Time `json:"merged_at,omitempty"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// Merged reports whether the PR has been merged.
func (p *PR) Merged() bool {
	return p.State == prStateMerged
}

// Branch represents a repository branch head.
type Branch struct {
	Name      string `json:"name"`
	SHA       string `json:"sha"`
	Protected bool   `json:"protected"`
}

// Commit represents one commit reachable through the API.
type Commit struct {
	SHA     string    `json:"sha"`
	Message string    `json:"message"`
	Author  string    `json:"author"`
	URL     string    `json:"url"`
	Date    time.Time `json:"date"`
}

// Comment represents an issue comment on a PR.
type Comment struct {
	ID        int64     `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	HTMLURL   string    `json:"html_url"`
	CreatedAt time.Time `json:"created_at"`
}

// CreatePRParams describes a pull request to open.
type CreatePRParams struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Head  string `json:"head"`
	Base  string `json:"base"`
	Draft bool   `json:"draft"`
}
