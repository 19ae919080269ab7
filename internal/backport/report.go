package backport

import (
	"fmt"
	"strings"

	"github.com/backportd/backportd/internal/job/models"
)

// PRTitle builds the title of the backport pull request.
func PRTitle(sourceTitle, targetBranch string) string {
	return fmt.Sprintf("[Backport %s] %s", targetBranch, sourceTitle)
}

// FallbackPRBody renders a deterministic PR body used when the oracle
// cannot produce one. It carries the same facts a hand-written body would.
func FallbackPRBody(sourcePR int, targetBranch string, commits []models.Commit, result *models.ExecutionResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated backport of #%d to `%s`.\n\n", sourcePR, targetBranch)
	if len(commits) > 0 {
		b.WriteString("Commits:\n")
		for _, c := range commits {
			fmt.Fprintf(&b, "- %s %s\n", c.ShortSHA(), firstLine(c.Message))
		}
	}
	if result != nil && result.ResolvedConflicts > 0 {
		fmt.Fprintf(&b, "\n%d conflict(s) were resolved automatically. Please review the resolution(s) carefully.\n", result.ResolvedConflicts)
	}
	return b.String()
}

// SuccessComment is posted on the source PR when the backport lands.
func SuccessComment(resultPRURL, targetBranch string, result *models.ExecutionResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Backport to `%s` succeeded: %s\n", targetBranch, resultPRURL)
	if result != nil {
		fmt.Fprintf(&b, "\nApplied %d commit(s)", result.CommitsApplied)
		if result.ResolvedConflicts > 0 {
			fmt.Fprintf(&b, ", resolved %d conflict(s) automatically; please review those changes closely", result.ResolvedConflicts)
		}
		b.WriteString(".\n")
	}
	return b.String()
}

// FailureComment is posted on the source PR when the backport fails. The
// recovery block gives a human the exact commands to finish the job by
// hand; commit identifiers appear verbatim so nothing needs looking up.
func FailureComment(targetBranch, branchName, errMsg string, commits []models.Commit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Backport to `%s` failed: %s\n\n", targetBranch, errMsg)
	b.WriteString("<details>\n<summary>Manual recovery</summary>\n\n")
	b.WriteString("```bash\n")
	fmt.Fprintf(&b, "git fetch origin %s\n", targetBranch)
	fmt.Fprintf(&b, "git checkout -b %s origin/%s\n", branchName, targetBranch)
	for _, c := range commits {
		fmt.Fprintf(&b, "git cherry-pick -x %s\n", c.SHA)
	}
	fmt.Fprintf(&b, "git push origin %s\n", branchName)
	b.WriteString("```\n</details>\n")
	return b.String()
}

// DeniedComment is posted when the requester lacks permission to trigger a
// backport.
func DeniedComment(requester string) string {
	return fmt.Sprintf("@%s backports can only be requested by users with write access to this repository.", requester)
}

// BranchName derives the canonical backport branch name.
func BranchName(prefix string, prNumber int, targetBranch string) string {
	return fmt.Sprintf("%s/pr-%d-to-%s", prefix, prNumber, targetBranch)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
