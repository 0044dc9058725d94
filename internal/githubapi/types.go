package githubapi

import (
	"time"

	"github.com/google/go-github/v84/github"
)

// Issue is the gateway's view of a GitHub issue.
type Issue struct {
	Number    int
	Title     string
	Body      string
	State     string
	HTMLURL   string
	Author    string
	Labels    []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasLabel reports whether the issue carries the given label.
func (i *Issue) HasLabel(name string) bool {
	for _, l := range i.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// PullRequest is the gateway's view of a pull request.
type PullRequest struct {
	Number    int
	Title     string
	Body      string
	State     string
	HTMLURL   string
	Author    string
	HeadRef   string
	BaseRef   string
	Labels    []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Comment is one issue or PR comment.
type Comment struct {
	ID        int64
	Author    string
	Body      string
	HTMLURL   string
	CreatedAt time.Time
}

// CreatedPR is the result of a successful PR creation.
type CreatedPR struct {
	Number  int
	URL     string
	HTMLURL string
}

// Branch is a remote branch reference.
type Branch struct {
	Name string
	SHA  string
}

func convertIssue(in *github.Issue) *Issue {
	if in == nil {
		return nil
	}
	out := &Issue{
		Number:  in.GetNumber(),
		Title:   in.GetTitle(),
		Body:    in.GetBody(),
		State:   in.GetState(),
		HTMLURL: in.GetHTMLURL(),
		Author:  in.GetUser().GetLogin(),
	}
	out.CreatedAt = in.GetCreatedAt().Time
	out.UpdatedAt = in.GetUpdatedAt().Time
	for _, l := range in.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	return out
}

func convertPR(in *github.PullRequest) *PullRequest {
	if in == nil {
		return nil
	}
	out := &PullRequest{
		Number:  in.GetNumber(),
		Title:   in.GetTitle(),
		Body:    in.GetBody(),
		State:   in.GetState(),
		HTMLURL: in.GetHTMLURL(),
		Author:  in.GetUser().GetLogin(),
		HeadRef: in.GetHead().GetRef(),
		BaseRef: in.GetBase().GetRef(),
	}
	out.CreatedAt = in.GetCreatedAt().Time
	out.UpdatedAt = in.GetUpdatedAt().Time
	for _, l := range in.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	return out
}

func convertComment(in *github.IssueComment) Comment {
	return Comment{
		ID:        in.GetID(),
		Author:    in.GetUser().GetLogin(),
		Body:      in.GetBody(),
		HTMLURL:   in.GetHTMLURL(),
		CreatedAt: in.GetCreatedAt().Time,
	}
}
