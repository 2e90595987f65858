// Package githost wraps the GitHub API operations the coordinator needs:
// repository metadata lookups and pull request creation on behalf of a
// participant.
package githost

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	gogh "github.com/google/go-github/v68/github"
	"github.com/rs/zerolog"
)

// Sentinel errors mapped from GitHub API responses.
var (
	ErrNotFound     = errors.New("repository not found")
	ErrUnauthorized = errors.New("github token rejected")
)

// Repo is the subset of repository metadata the coordinator uses.
type Repo struct {
	ID            int64
	Owner         string
	Name          string
	DefaultBranch string
	Private       bool
}

// PullRequest is the created PR as returned to clients.
type PullRequest struct {
	Number int
	URL    string
	Title  string
	Head   string
	Base   string
}

// CreatePRParams holds the inputs for pull request creation.
type CreatePRParams struct {
	Owner string
	Name  string
	Title string
	Body  string
	Head  string
	Base  string
	Draft bool
}

// Client performs GitHub operations with per-call user tokens. Methods take
// the token explicitly because every call acts as a specific participant, not
// as the service.
type Client struct {
	log zerolog.Logger
}

// NewClient creates a GitHub client wrapper.
func NewClient(logger zerolog.Logger) *Client {
	return &Client{log: logger}
}

func (c *Client) api(token string) *gogh.Client {
	return gogh.NewClient(nil).WithAuthToken(token)
}

// GetRepository fetches repository metadata, notably the default branch used
// as the PR base.
func (c *Client) GetRepository(ctx context.Context, token, owner, name string) (*Repo, error) {
	repo, resp, err := c.api(token).Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, c.mapError(resp, fmt.Errorf("get repository %s/%s: %w", owner, name, err))
	}
	return &Repo{
		ID:            repo.GetID(),
		Owner:         repo.GetOwner().GetLogin(),
		Name:          repo.GetName(),
		DefaultBranch: repo.GetDefaultBranch(),
		Private:       repo.GetPrivate(),
	}, nil
}

// CreatePullRequest opens a pull request from the session branch.
func (c *Client) CreatePullRequest(ctx context.Context, token string, params CreatePRParams) (*PullRequest, error) {
	pr, resp, err := c.api(token).PullRequests.Create(ctx, params.Owner, params.Name, &gogh.NewPullRequest{
		Title:               gogh.Ptr(params.Title),
		Body:                gogh.Ptr(params.Body),
		Head:                gogh.Ptr(params.Head),
		Base:                gogh.Ptr(params.Base),
		Draft:               gogh.Ptr(params.Draft),
		MaintainerCanModify: gogh.Ptr(true),
	})
	if err != nil {
		return nil, c.mapError(resp, fmt.Errorf("create pull request on %s/%s: %w", params.Owner, params.Name, err))
	}
	return &PullRequest{
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
		Title:  pr.GetTitle(),
		Head:   pr.GetHead().GetRef(),
		Base:   pr.GetBase().GetRef(),
	}, nil
}

func (c *Client) mapError(resp *gogh.Response, err error) error {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
	}
	return err
}
