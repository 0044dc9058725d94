// Package githubapi is the typed gateway to the GitHub REST API.
// It wraps google/go-github with authentication (GitHub App installation
// or personal access token), pagination, error classification, and the
// retry policy the rest of the system relies on.
package githubapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v84/github"
	"golang.org/x/oauth2"

	"github.com/gitfix/gitfix/internal/common/config"
	"github.com/gitfix/gitfix/internal/common/logger"
)

// installation tokens last one hour; report expiry with headroom so
// callers re-request before the edge.
const installationTokenLifetime = 55 * time.Minute

// Gateway is the typed GitHub client used by discovery and the pipeline.
type Gateway struct {
	client *github.Client
	logger *logger.Logger

	appTransport *ghinstallation.Transport
	patToken     string

	mu       sync.Mutex
	botLogin string
}

// NewGateway builds a gateway from the process configuration. GitHub App
// credentials take precedence; a personal access token is the fallback.
func NewGateway(cfg *config.GitHubConfig, log *logger.Logger) (*Gateway, error) {
	g := &Gateway{logger: log}

	switch {
	case cfg.UseApp():
		itr, err := ghinstallation.NewKeyFromFile(http.DefaultTransport, cfg.AppID, cfg.AppInstallationID, cfg.AppPrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("create installation transport: %w", err)
		}
		g.appTransport = itr
		g.client = github.NewClient(&http.Client{Transport: itr})
	case cfg.Token != "":
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		g.patToken = cfg.Token
		g.client = github.NewClient(oauth2.NewClient(context.Background(), ts))
	default:
		return nil, fmt.Errorf("%w: neither app credentials nor GITHUB_TOKEN configured", ErrAuthFailure)
	}

	return g, nil
}

// newGatewayForClient wires a prebuilt client; used by tests against a
// local HTTP server.
func newGatewayForClient(client *github.Client, log *logger.Logger) *Gateway {
	return &Gateway{client: client, logger: log, patToken: "test-token"}
}

// InstallationToken returns a token usable for authenticated git
// operations, with its expiry. In PAT mode the token is the PAT itself
// and the expiry is zero (long-lived).
func (g *Gateway) InstallationToken(ctx context.Context) (string, time.Time, error) {
	if g.appTransport != nil {
		token, err := g.appTransport.Token(ctx)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("%w: issue installation token: %v", ErrAuthFailure, err)
		}
		return token, time.Now().Add(installationTokenLifetime), nil
	}
	if g.patToken != "" {
		return g.patToken, time.Time{}, nil
	}
	return "", time.Time{}, fmt.Errorf("%w: no credentials configured", ErrAuthFailure)
}

// BotLogin returns the login the gateway acts as, used to filter the
// bot's own comments out of follow-up batches. The result is cached.
func (g *Gateway) BotLogin(ctx context.Context) (string, error) {
	g.mu.Lock()
	cached := g.botLogin
	g.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	var login string
	err := g.do(ctx, "get authenticated user", func(ctx context.Context) error {
		user, _, err := g.client.Users.Get(ctx, "")
		if err != nil {
			return err
		}
		login = user.GetLogin()
		return nil
	})
	if err != nil {
		// GitHub App installations cannot call /user; fall back to the
		// conventional bot suffix form.
		if (g.appTransport != nil && IsAuthFailure(err)) || IsNotFound(err) {
			login = "gitfix-bot[bot]"
		} else {
			return "", err
		}
	}

	g.mu.Lock()
	g.botLogin = login
	g.mu.Unlock()
	return login, nil
}
