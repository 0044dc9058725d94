package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/gitfix/gitfix/internal/agent"
	"github.com/gitfix/gitfix/internal/common/stringutil"
	"github.com/gitfix/gitfix/internal/githubapi"
	v1 "github.com/gitfix/gitfix/pkg/api/v1"
)

// maxPromptBody caps how much of an issue body or comment goes into the
// prompt. Agents read the rest from the repository.
const maxPromptBody = 8000

// issuePrompt composes the main agent prompt. All repository metadata is
// explicit: the agent must not have to guess owner, paths, or branches.
func issuePrompt(r *run, issue *githubapi.Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are working on GitHub issue #%d in repository %s/%s.\n\n", issue.Number, r.owner, r.repo)
	fmt.Fprintf(&b, "Repository owner: %s\n", r.owner)
	fmt.Fprintf(&b, "Repository name: %s\n", r.repo)
	fmt.Fprintf(&b, "Working directory (git worktree): %s\n", r.worktree.Path)
	fmt.Fprintf(&b, "Branch: %s\n", r.worktree.Branch)
	fmt.Fprintf(&b, "Base branch: %s\n", r.worktree.BaseBranch)
	fmt.Fprintf(&b, "Issue number: %d\n", issue.Number)
	fmt.Fprintf(&b, "Issue title: %s\n", issue.Title)
	fmt.Fprintf(&b, "Issue URL: %s\n\n", issue.HTMLURL)
	b.WriteString("Issue body:\n")
	b.WriteString(stringutil.TruncateString(issue.Body, maxPromptBody))
	b.WriteString("\n\n")
	b.WriteString("Fix the issue described above by editing files in the working directory. ")
	b.WriteString("Stay on the current branch; do not commit, push, or open a pull request — ")
	b.WriteString("that happens after you finish. When done, emit a final record with a ")
	b.WriteString("suggested commit message summarizing the change.\n")
	return b.String()
}

// emergencyPRPrompt is the focused retry prompt used when the branch is
// pushed but no pull request can be found.
func emergencyPRPrompt(r *run, issue *githubapi.Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The fix for issue #%d in %s/%s is already committed and pushed ", issue.Number, r.owner, r.repo)
	fmt.Fprintf(&b, "on branch %q (base branch %q), but no pull request exists for it.\n\n", r.worktree.Branch, r.worktree.BaseBranch)
	fmt.Fprintf(&b, "Working directory: %s\n", r.worktree.Path)
	fmt.Fprintf(&b, "Issue title: %s\n", issue.Title)
	fmt.Fprintf(&b, "Issue URL: %s\n\n", issue.HTMLURL)
	b.WriteString("Create the pull request only. Do not modify, commit, or push any code. ")
	fmt.Fprintf(&b, "The pull request must target %q, reference issue #%d in its body, ", r.worktree.BaseBranch, issue.Number)
	b.WriteString("and carry a title describing the fix.\n")
	return b.String()
}

// followupPrompt aggregates the batched PR comments into one prompt.
func followupPrompt(r *run, pr *githubapi.PullRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are addressing review feedback on pull request #%d in repository %s/%s.\n\n", pr.Number, r.owner, r.repo)
	fmt.Fprintf(&b, "Repository owner: %s\n", r.owner)
	fmt.Fprintf(&b, "Repository name: %s\n", r.repo)
	fmt.Fprintf(&b, "Working directory (git worktree): %s\n", r.worktree.Path)
	fmt.Fprintf(&b, "Branch (the PR head, already checked out): %s\n", r.worktree.Branch)
	fmt.Fprintf(&b, "Pull request title: %s\n", pr.Title)
	fmt.Fprintf(&b, "Pull request URL: %s\n\n", pr.HTMLURL)

	fmt.Fprintf(&b, "New comments to address (%d):\n\n", len(r.payload.Comments))
	for i, comment := range r.payload.Comments {
		fmt.Fprintf(&b, "--- Comment %d by @%s (%s) ---\n", i+1, comment.Author, comment.CreatedAt.Format("2006-01-02 15:04 UTC"))
		b.WriteString(stringutil.TruncateString(comment.Body, maxPromptBody))
		b.WriteString("\n\n")
	}

	b.WriteString("Apply the requested changes by editing files in the working directory. ")
	b.WriteString("Stay on the current branch; do not commit, push, or open a new pull request. ")
	b.WriteString("When done, emit a final record with a suggested commit message.\n")
	return b.String()
}

// prTitle derives the pull request title from the issue.
func prTitle(issue *githubapi.Issue) string {
	title := strings.TrimSpace(issue.Title)
	if title == "" {
		return fmt.Sprintf("Fix issue #%d", issue.Number)
	}
	return fmt.Sprintf("Fix issue #%d: %s", issue.Number, stringutil.TruncateString(title, 72))
}

// prBody builds the pull request body, referencing the issue so GitHub
// links and closes it on merge.
func prBody(issue *githubapi.Issue, result *agent.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Fixes #%d\n\n", issue.Number)
	if summary := finalSummary(result); summary != "" {
		b.WriteString(summary)
		b.WriteString("\n\n")
	}
	if result != nil && len(result.ModifiedFiles) > 0 {
		b.WriteString("Modified files:\n")
		for _, file := range capped(result.ModifiedFiles, 20) {
			fmt.Fprintf(&b, "- `%s`\n", file)
		}
		if len(result.ModifiedFiles) > 20 {
			fmt.Fprintf(&b, "- … and %d more\n", len(result.ModifiedFiles)-20)
		}
		b.WriteString("\n")
	}
	b.WriteString(automationFooter())
	return b.String()
}

// startedComment acknowledges that processing has begun. The correlation
// id ties the comment to every log record of this task.
func startedComment(issue *githubapi.Issue, correlationID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🤖 Started working on this issue.\n\n")
	fmt.Fprintf(&b, "A fix for **%s** is being prepared in an isolated branch. ", stringutil.TruncateString(issue.Title, 100))
	b.WriteString("A pull request will be opened here when the work is done.\n\n")
	fmt.Fprintf(&b, "<sub>correlation id: `%s`</sub>\n", correlationID)
	return b.String()
}

// completionComment reports the opened PR with run statistics.
func completionComment(issue *githubapi.Issue, pr *githubapi.CreatedPR, result *agent.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ Done — opened pull request #%d: %s\n\n", pr.Number, pr.HTMLURL)
	if summary := finalSummary(result); summary != "" {
		b.WriteString(summary)
		b.WriteString("\n\n")
	}
	writeRunStats(&b, result)
	b.WriteString(automationFooter())
	return b.String()
}

// noChangesComment reports a successful run that needed no code change.
func noChangesComment(result *agent.Result) string {
	var b strings.Builder
	b.WriteString("✅ Analyzed this issue — no code changes were needed.\n\n")
	if summary := finalSummary(result); summary != "" {
		b.WriteString(summary)
		b.WriteString("\n\n")
	}
	writeRunStats(&b, result)
	b.WriteString(automationFooter())
	return b.String()
}

// failureComment is the structured failure summary posted to the issue.
// The task id doubles as the log reference.
func failureComment(taskID, reason string, cause error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "❌ Automated processing failed: %s\n\n", reason)
	if cause != nil {
		fmt.Fprintf(&b, "```\n%s\n```\n\n", stringutil.TruncateString(cause.Error(), 1000))
	}
	b.WriteString("The issue remains open; remove the state labels to retry.\n\n")
	fmt.Fprintf(&b, "<sub>log reference: `%s`</sub>\n", taskID)
	return b.String()
}

// followupSummaryComment reports the pushed follow-up work on the PR.
func followupSummaryComment(comments []v1.FollowupComment, result *agent.Result, sha string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ Addressed %d review comment(s) and pushed %s.\n\n", len(comments), shortSHA(sha))
	if summary := finalSummary(result); summary != "" {
		b.WriteString(summary)
		b.WriteString("\n\n")
	}
	writeRunStats(&b, result)
	b.WriteString(automationFooter())
	return b.String()
}

// followupNoChangesComment reports a follow-up run that changed nothing.
func followupNoChangesComment(comments []v1.FollowupComment, result *agent.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reviewed %d comment(s) — no code changes were needed.\n\n", len(comments))
	if summary := finalSummary(result); summary != "" {
		b.WriteString(summary)
		b.WriteString("\n\n")
	}
	b.WriteString(automationFooter())
	return b.String()
}

func finalSummary(result *agent.Result) string {
	if result == nil || result.Final == nil {
		return ""
	}
	return strings.TrimSpace(stringutil.TruncateString(result.Final.Summary, 2000))
}

// writeRunStats appends conversation statistics when the final record
// carried them.
func writeRunStats(b *strings.Builder, result *agent.Result) {
	if result == nil || result.Final == nil {
		return
	}
	var parts []string
	if result.Final.NumTurns != nil {
		parts = append(parts, fmt.Sprintf("%d turns", *result.Final.NumTurns))
	}
	if result.Final.CostUSD != nil {
		parts = append(parts, fmt.Sprintf("$%.4f", *result.Final.CostUSD))
	}
	if result.Model != "" {
		parts = append(parts, result.Model)
	}
	if result.ExecutionTime > 0 {
		parts = append(parts, result.ExecutionTime.Round(time.Second).String())
	}
	if len(parts) > 0 {
		fmt.Fprintf(b, "<sub>%s</sub>\n\n", strings.Join(parts, " · "))
	}
}

func automationFooter() string {
	return "<sub>— gitfix</sub>\n"
}

func shortSHA(sha string) string {
	if len(sha) > 10 {
		return sha[:10]
	}
	return sha
}

func capped(items []string, n int) []string {
	if len(items) > n {
		return items[:n]
	}
	return items
}
