package githubapi

import (
	"context"
	"fmt"

	"github.com/google/go-github/v84/github"
	"go.uber.org/zap"
)

const searchPageSize = 100

// SearchIssues runs an issue search scoped to one repository and
// collects all result pages. The query carries the label-state
// qualifiers; the repo qualifier is added here.
func (g *Gateway) SearchIssues(ctx context.Context, repo, query string) ([]*Issue, error) {
	full := fmt.Sprintf("repo:%s %s", repo, query)

	var issues []*Issue
	page := 1
	for {
		var result *github.IssuesSearchResult
		var resp *github.Response
		err := g.do(ctx, "search issues", func(ctx context.Context) error {
			var innerErr error
			result, resp, innerErr = g.client.Search.Issues(ctx, full, &github.SearchOptions{
				Sort:  "created",
				Order: "desc",
				ListOptions: github.ListOptions{
					PerPage: searchPageSize,
					Page:    page,
				},
			})
			return innerErr
		})
		if err != nil {
			return nil, err
		}
		for _, item := range result.Issues {
			// The search index can also return PRs; issue jobs only.
			if item.IsPullRequest() {
				continue
			}
			issues = append(issues, convertIssue(item))
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		page = resp.NextPage
	}

	g.logger.Debug("issue search complete",
		zap.String("repo", repo),
		zap.String("query", query),
		zap.Int("count", len(issues)))
	return issues, nil
}

// GetIssue fetches one issue with its labels and body.
func (g *Gateway) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	var issue *Issue
	err := g.do(ctx, fmt.Sprintf("get issue #%d", number), func(ctx context.Context) error {
		raw, _, innerErr := g.client.Issues.Get(ctx, owner, repo, number)
		if innerErr != nil {
			return innerErr
		}
		issue = convertIssue(raw)
		return nil
	})
	return issue, err
}

// AddLabel attaches a label to an issue or PR. Adding a label that is
// already present, or labeling a vanished issue, is a success.
func (g *Gateway) AddLabel(ctx context.Context, owner, repo string, number int, label string) error {
	err := g.do(ctx, fmt.Sprintf("add label %q to #%d", label, number), func(ctx context.Context) error {
		_, _, innerErr := g.client.Issues.AddLabelsToIssue(ctx, owner, repo, number, []string{label})
		return innerErr
	})
	if err != nil && IsNotFound(err) {
		return nil
	}
	return err
}

// RemoveLabel detaches a label. Removing a label the issue does not
// carry is a success.
func (g *Gateway) RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error {
	err := g.do(ctx, fmt.Sprintf("remove label %q from #%d", label, number), func(ctx context.Context) error {
		_, innerErr := g.client.Issues.RemoveLabelForIssue(ctx, owner, repo, number, label)
		return innerErr
	})
	if err != nil && IsNotFound(err) {
		return nil
	}
	return err
}

// CreateLabel creates a repository label. An already-existing label is
// a success.
func (g *Gateway) CreateLabel(ctx context.Context, owner, repo, name, color, description string) error {
	err := g.do(ctx, fmt.Sprintf("create label %q", name), func(ctx context.Context) error {
		_, _, innerErr := g.client.Issues.CreateLabel(ctx, owner, repo, &github.Label{
			Name:        github.Ptr(name),
			Color:       github.Ptr(color),
			Description: github.Ptr(description),
		})
		return innerErr
	})
	if err != nil && IsValidationFailed(err) {
		return nil
	}
	return err
}

// CreateComment posts a comment on an issue or PR and returns its id.
func (g *Gateway) CreateComment(ctx context.Context, owner, repo string, number int, body string) (int64, error) {
	var id int64
	err := g.do(ctx, fmt.Sprintf("create comment on #%d", number), func(ctx context.Context) error {
		comment, _, innerErr := g.client.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{
			Body: github.Ptr(body),
		})
		if innerErr != nil {
			return innerErr
		}
		id = comment.GetID()
		return nil
	})
	return id, err
}
