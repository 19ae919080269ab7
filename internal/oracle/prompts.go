package oracle

import (
	"fmt"
	"strings"
)

// analyzeSystem instructs the model to classify a change-set. The response
// keys mirror the DiffAnalysis JSON shape so the reply can be decoded
// directly.
const analyzeSystem = `You are a senior engineer reviewing a pull request diff.
Analyze the change and respond with a single JSON object, no prose, with keys:
- "summary": one-paragraph description of what the change does
- "intent": the underlying goal the author was pursuing
- "changes": array of {"path", "kind", "description"} where kind is one of added, modified, deleted, renamed
- "category": one of bugfix, feature, refactor, docs, test, config, other
- "complexity": one of low, medium, high
- "dependencies": array of external libraries or modules the change touches
- "risks": array of short risk statements`

const feasibilitySystem = `You are a senior engineer judging whether a change can be cherry-picked onto an older release branch.
Respond with a single JSON object, no prose, with keys:
- "can_backport": boolean
- "confidence": number between 0 and 1
- "potential_conflicts": array of {"file", "reason", "severity"} where severity is one of low, medium, high
- "recommendations": array of short strings
- "manual_steps": array of shell-level steps a human would take if automation fails
- "effort": one of trivial, easy, moderate, difficult`

const resolveSystem = `You resolve a git merge conflict in a single file.
You are given the full file with conflict markers, the incoming change ("theirs"), the target branch content ("ours"), and the intent of the original change.
Produce the complete resolved file content with every conflict marker removed, preserving the intent of the incoming change while respecting the target branch.
Respond with a single JSON object, no prose, with keys:
- "content": the full resolved file content
- "explanation": one paragraph on how you resolved it
- "confidence": number between 0 and 1
- "alternatives": optional array of other plausible resolved contents`

const describeSystem = `You write the body of an automated backport pull request.
Write concise GitHub-flavored markdown: what the change does, why it is being backported, and anything reviewers of the release branch should double-check.
Respond with the markdown body only, no JSON, no surrounding fences.`

func buildAnalyzePrompt(req AnalyzeDiffRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "PR title: %s\n\n", req.Title)
	if req.Body != "" {
		fmt.Fprintf(&b, "PR description:\n%s\n\n", req.Body)
	}
	fmt.Fprintf(&b, "Diff:\n%s\n", req.Diff)
	return b.String()
}

func buildFeasibilityPrompt(req FeasibilityRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Source branch: %s\nTarget branch: %s\n\n", req.SourceBranch, req.TargetBranch)
	if req.Analysis != nil {
		fmt.Fprintf(&b, "Change summary: %s\nIntent: %s\nCategory: %s, complexity: %s\n\n",
			req.Analysis.Summary, req.Analysis.Intent, req.Analysis.Category, req.Analysis.Complexity)
	}
	if len(req.TargetContext) > 0 {
		b.WriteString("Recent commits on the target branch:\n")
		for _, c := range req.TargetContext {
			fmt.Fprintf(&b, "- %s %s\n", c.ShortSHA(), firstLine(c.Message))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Diff to backport:\n%s\n", req.Diff)
	return b.String()
}

func buildResolvePrompt(req ResolveConflictRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "File: %s\n", req.File)
	if req.Intent != "" {
		fmt.Fprintf(&b, "Intent of the original change: %s\n", req.Intent)
	}
	fmt.Fprintf(&b, "\nFull file with conflict markers:\n%s\n", req.MarkedContent)
	fmt.Fprintf(&b, "\nIncoming change (theirs):\n%s\n", req.Theirs)
	fmt.Fprintf(&b, "\nTarget branch content (ours):\n%s\n", req.Ours)
	return b.String()
}

func buildDescribePrompt(req DescribeRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original PR #%d: %s\nTarget branch: %s\n", req.SourcePR, req.SourceTitle, req.TargetBranch)
	if req.Analysis != nil {
		fmt.Fprintf(&b, "\nChange summary: %s\nIntent: %s\n", req.Analysis.Summary, req.Analysis.Intent)
	}
	if len(req.Commits) > 0 {
		b.WriteString("\nCommits backported:\n")
		for _, c := range req.Commits {
			fmt.Fprintf(&b, "- %s %s\n", c.ShortSHA(), firstLine(c.Message))
		}
	}
	if req.Result != nil && req.Result.ResolvedConflicts > 0 {
		fmt.Fprintf(&b, "\n%d conflict(s) were resolved automatically; call that out so reviewers look closely.\n",
			req.Result.ResolvedConflicts)
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
