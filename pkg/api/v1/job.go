package v1

import (
	"fmt"
	"time"
)

// TaskType distinguishes the two kinds of work items.
type TaskType string

const (
	TaskTypeIssue     TaskType = "issue"
	TaskTypePRComment TaskType = "pr-comment"
)

// IssueRef uniquely identifies one work item on GitHub.
type IssueRef struct {
	RepoOwner     string   `json:"repo_owner"`
	RepoName      string   `json:"repo_name"`
	Number        int      `json:"number"`
	Type          TaskType `json:"type"`
	CorrelationID string   `json:"correlation_id"`
}

// Repository returns the "owner/repo" form.
func (r IssueRef) Repository() string {
	return r.RepoOwner + "/" + r.RepoName
}

// FollowupComment is one PR comment batched into a follow-up job.
type FollowupComment struct {
	ID        int64     `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	URL       string    `json:"url,omitempty"`
}

// JobPayload is the queue payload for both job kinds. Comments is only
// set for pr-comment batch jobs.
type JobPayload struct {
	Type         TaskType          `json:"type"`
	Ref          IssueRef          `json:"ref"`
	PrimaryLabel string            `json:"primary_label,omitempty"`
	IssueTitle   string            `json:"issue_title,omitempty"`
	PRBranch     string            `json:"pr_branch,omitempty"`
	Comments     []FollowupComment `json:"comments,omitempty"`
	Model        string            `json:"model,omitempty"`
	WindowStart  string            `json:"window_start,omitempty"`
}

// IssueTaskID derives the task id for an issue job.
func IssueTaskID(owner, repo string, number int) string {
	return fmt.Sprintf("%s-%s-%d", owner, repo, number)
}

// FollowupTaskID derives the task id for a pr-comment batch job.
func FollowupTaskID(owner, repo string, number int, window string) string {
	return fmt.Sprintf("pr-comments-batch-%s-%s-%d-%s", owner, repo, number, window)
}

// IssueJobID derives the idempotency key for an issue job. One job per
// issue per primary label.
func IssueJobID(owner, repo string, number int, primaryLabel string) string {
	return fmt.Sprintf("issue-%s-%s-%d-%s", owner, repo, number, primaryLabel)
}

// FollowupJobID derives the idempotency key for a pr-comment batch job.
func FollowupJobID(owner, repo string, number int, window string) string {
	return fmt.Sprintf("pr-comments-batch-%s-%s-%d-%s", owner, repo, number, window)
}

// TaskIDForPayload returns the task id a payload maps to.
func (p JobPayload) TaskIDForPayload() string {
	if p.Type == TaskTypePRComment {
		return FollowupTaskID(p.Ref.RepoOwner, p.Ref.RepoName, p.Ref.Number, p.WindowStart)
	}
	return IssueTaskID(p.Ref.RepoOwner, p.Ref.RepoName, p.Ref.Number)
}
