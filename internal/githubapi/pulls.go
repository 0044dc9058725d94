package githubapi

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-github/v84/github"
)

const listPageSize = 100

// ListOpenPRsWithLabel returns open PRs carrying the label, updated at
// or after since (zero time lists all).
func (g *Gateway) ListOpenPRsWithLabel(ctx context.Context, owner, repo, label string, since time.Time) ([]*PullRequest, error) {
	var prs []*PullRequest
	page := 1
	for {
		var raw []*github.PullRequest
		var resp *github.Response
		err := g.do(ctx, "list open PRs", func(ctx context.Context) error {
			var innerErr error
			raw, resp, innerErr = g.client.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
				State:     "open",
				Sort:      "updated",
				Direction: "desc",
				ListOptions: github.ListOptions{
					PerPage: listPageSize,
					Page:    page,
				},
			})
			return innerErr
		})
		if err != nil {
			return nil, err
		}

		done := false
		for _, pr := range raw {
			// Sorted by updated desc: past the window means the rest is too.
			if !since.IsZero() && pr.GetUpdatedAt().Time.Before(since) {
				done = true
				break
			}
			if !prHasLabel(pr, label) {
				continue
			}
			prs = append(prs, convertPR(pr))
		}
		if done || resp == nil || resp.NextPage == 0 {
			break
		}
		page = resp.NextPage
	}
	return prs, nil
}

// ListOpenPRsWithHead returns open PRs whose head is "owner:branch".
// Used by PR validation to find a PR by its branch.
func (g *Gateway) ListOpenPRsWithHead(ctx context.Context, owner, repo, head string) ([]*PullRequest, error) {
	var prs []*PullRequest
	err := g.do(ctx, "list PRs by head", func(ctx context.Context) error {
		raw, _, innerErr := g.client.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
			State: "open",
			Head:  head,
			ListOptions: github.ListOptions{
				PerPage: listPageSize,
			},
		})
		if innerErr != nil {
			return innerErr
		}
		prs = prs[:0]
		for _, pr := range raw {
			prs = append(prs, convertPR(pr))
		}
		return nil
	})
	return prs, err
}

// GetPR fetches one pull request.
func (g *Gateway) GetPR(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	var pr *PullRequest
	err := g.do(ctx, fmt.Sprintf("get PR #%d", number), func(ctx context.Context) error {
		raw, _, innerErr := g.client.PullRequests.Get(ctx, owner, repo, number)
		if innerErr != nil {
			return innerErr
		}
		pr = convertPR(raw)
		return nil
	})
	return pr, err
}

// ListNewComments returns issue-thread comments on a PR created
// strictly after since, oldest first.
func (g *Gateway) ListNewComments(ctx context.Context, owner, repo string, number int, since time.Time) ([]Comment, error) {
	var comments []Comment
	page := 1
	for {
		var raw []*github.IssueComment
		var resp *github.Response
		err := g.do(ctx, fmt.Sprintf("list comments on #%d", number), func(ctx context.Context) error {
			var innerErr error
			raw, resp, innerErr = g.client.Issues.ListComments(ctx, owner, repo, number, &github.IssueListCommentsOptions{
				Since:     github.Ptr(since),
				Sort:      github.Ptr("created"),
				Direction: github.Ptr("asc"),
				ListOptions: github.ListOptions{
					PerPage: listPageSize,
					Page:    page,
				},
			})
			return innerErr
		})
		if err != nil {
			return nil, err
		}
		for _, c := range raw {
			if !c.GetCreatedAt().Time.After(since) {
				continue
			}
			comments = append(comments, convertComment(c))
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		page = resp.NextPage
	}
	return comments, nil
}

// CreatePR opens a pull request and returns its identity.
func (g *Gateway) CreatePR(ctx context.Context, owner, repo, head, base, title, body string) (*CreatedPR, error) {
	var created *CreatedPR
	err := g.do(ctx, "create PR", func(ctx context.Context) error {
		pr, _, innerErr := g.client.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
			Title: github.Ptr(title),
			Body:  github.Ptr(body),
			Head:  github.Ptr(head),
			Base:  github.Ptr(base),
		})
		if innerErr != nil {
			return innerErr
		}
		created = &CreatedPR{
			Number:  pr.GetNumber(),
			URL:     pr.GetURL(),
			HTMLURL: pr.GetHTMLURL(),
		}
		return nil
	})
	return created, err
}

// GetBranch resolves a remote branch to its head SHA. ErrNotFound
// signals the branch does not exist.
func (g *Gateway) GetBranch(ctx context.Context, owner, repo, branch string) (*Branch, error) {
	var out *Branch
	err := g.do(ctx, fmt.Sprintf("get branch %s", branch), func(ctx context.Context) error {
		raw, _, innerErr := g.client.Repositories.GetBranch(ctx, owner, repo, branch, 0)
		if innerErr != nil {
			return innerErr
		}
		out = &Branch{
			Name: raw.GetName(),
			SHA:  raw.GetCommit().GetSHA(),
		}
		return nil
	})
	return out, err
}

// DefaultBranch returns the repository's default branch from the API.
func (g *Gateway) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	var branch string
	err := g.do(ctx, "get repository", func(ctx context.Context) error {
		r, _, innerErr := g.client.Repositories.Get(ctx, owner, repo)
		if innerErr != nil {
			return innerErr
		}
		branch = r.GetDefaultBranch()
		return nil
	})
	return branch, err
}

func prHasLabel(pr *github.PullRequest, name string) bool {
	for _, l := range pr.Labels {
		if l.GetName() == name {
			return true
		}
	}
	return false
}
