package github

import (
	"context"
	"errors"
)

// ErrBranchNotFound is returned by GetBranch when the branch does not exist
// in the repository.
var ErrBranchNotFound = errors.New("branch not found")

// Client defines the interface for interacting with the GitHub API.
type Client interface {
	// GetAuthenticatedUser returns the username of the authenticated user.
	GetAuthenticatedUser(ctx context.Context) (string, error)

	// GetPR retrieves a single pull request by number.
	GetPR(ctx context.Context, owner, repo string, number int) (*PR, error)

	// GetPRDiff retrieves the unified diff of a pull request.
	GetPRDiff(ctx context.Context, owner, repo string, number int) (string, error)

	// ListPRCommits lists the commits of a pull request in the order GitHub
	// reports them (oldest first). That order is preserved all the way to
	// the cherry-pick loop.
	ListPRCommits(ctx context.Context, owner, repo string, number int) ([]Commit, error)

	// GetBranch retrieves a branch head. A missing branch is reported as
	// ErrBranchNotFound.
	GetBranch(ctx context.Context, owner, repo, branch string) (*Branch, error)

	// ListRecentCommits lists the newest commits on a branch, up to limit.
	ListRecentCommits(ctx context.Context, owner, repo, branch string, limit int) ([]Commit, error)

	// FindPRByBranch finds an open PR for the given head branch, or nil.
	FindPRByBranch(ctx context.Context, owner, repo, branch string) (*PR, error)

	// CreatePR opens a pull request.
	CreatePR(ctx context.Context, owner, repo string, params CreatePRParams) (*PR, error)

	// CreateComment posts an issue comment on a PR.
	CreateComment(ctx context.Context, owner, repo string, number int, body string) (*Comment, error)

	// CreateReaction adds a reaction to an issue comment.
	CreateReaction(ctx context.Context, owner, repo string, commentID int64, content string) error

	// GetPermissionLevel returns the collaborator permission of a user on a
	// repository: admin, write, maintain, triage, read, or none.
	GetPermissionLevel(ctx context.Context, owner, repo, username string) (string, error)
}
