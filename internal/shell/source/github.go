package source

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/github"
	"golang.org/x/oauth2"

	"github.com/artpar/shipyard/internal/core/domain"
)

// DefaultRepoLimit bounds ListRepos when the caller sets no limit.
const DefaultRepoLimit = 30

// Catalog lists repositories through the GitHub API.
type Catalog struct {
	client *github.Client
	authed bool
	logger *slog.Logger
}

// NewCatalog creates a GitHub catalog. An empty token lists public
// repositories only; baseURL overrides the API endpoint when set.
func NewCatalog(token, baseURL string, logger *slog.Logger) (*Catalog, error) {
	var hc *http.Client
	if token != "" {
		hc = oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}
	client := github.NewClient(hc)
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, domain.Configuration("github", "invalid api url", err)
		}
		client.BaseURL = u
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{client: client, authed: token != "", logger: logger.With("component", "github")}, nil
}

// ListRepos returns up to limit repositories of owner, or of the
// authenticated user when owner is empty.
func (c *Catalog) ListRepos(ctx context.Context, owner string, limit int) ([]domain.Repository, error) {
	if owner == "" && !c.authed {
		return nil, domain.Configuration("list_repos", "a GitHub token is required to list your repositories", nil)
	}
	if limit <= 0 {
		limit = DefaultRepoLimit
	}

	opts := &github.RepositoryListOptions{
		Sort:        "updated",
		ListOptions: github.ListOptions{PerPage: min(limit, 100)},
	}
	var out []domain.Repository
	for len(out) < limit {
		repos, resp, err := c.client.Repositories.List(ctx, owner, opts)
		if err != nil {
			return nil, classifyGitHub(err)
		}
		for _, r := range repos {
			out = append(out, domain.Repository{
				FullName:      r.GetFullName(),
				CloneURL:      r.GetCloneURL(),
				DefaultBranch: r.GetDefaultBranch(),
				Language:      r.GetLanguage(),
				Private:       r.GetPrivate(),
				Description:   r.GetDescription(),
			})
			if len(out) == limit {
				break
			}
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	c.logger.Debug("repositories listed", "owner", owner, "count", len(out))
	return out, nil
}

func classifyGitHub(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		return domain.Transient("list_repos", "GitHub rate limit exceeded", err)
	}
	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		switch code := er.Response.StatusCode; {
		case code == http.StatusUnauthorized || code == http.StatusForbidden || code == http.StatusNotFound:
			return domain.Configuration("list_repos", er.Message, err)
		case code >= 500:
			return domain.Transient("list_repos", er.Message, err)
		}
	}
	return domain.Backend("list_repos", "GitHub request failed", err)
}
