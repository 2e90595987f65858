package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/particlhq/background-agents/internal/artifact"
	"github.com/particlhq/background-agents/internal/crypto"
	"github.com/particlhq/background-agents/internal/githost"
	"github.com/particlhq/background-agents/internal/identity"
	"github.com/particlhq/background-agents/internal/protocol"
)

// CreatePRParams are the inputs to the pull-request path.
type CreatePRParams struct {
	Title string
	Body  string
	Draft bool
}

// CreatePR pushes the session branch and opens a pull request. The acting
// identity is the author of the currently processing prompt; its decrypted
// host token signs both code-host calls. The sandbox pushes with a separately
// minted installation token so the user's OAuth token never leaves this
// process.
func (c *Coordinator) CreatePR(ctx context.Context, params CreatePRParams) (*githost.PullRequest, error) {
	processing, err := c.deps.Messages.Processing(ctx, c.sessionID)
	if err != nil {
		return nil, err
	}
	if processing == nil {
		return nil, ErrNoProcessingMessage
	}

	author, err := c.deps.Participants.GetByID(ctx, processing.AuthorID)
	if err != nil {
		return nil, err
	}
	userToken, err := c.decryptHostToken(author.AccessTokenEnc, author.TokenExpiresAt)
	if err != nil {
		return nil, err
	}

	sess, err := c.deps.Sessions.GetByID(ctx, c.sessionID)
	if err != nil {
		return nil, err
	}

	repo, err := c.deps.GitHost.GetRepository(ctx, userToken, sess.RepoOwner, sess.RepoName)
	if err != nil {
		if errors.Is(err, githost.ErrUnauthorized) {
			return nil, ErrReauthRequired
		}
		return nil, err
	}
	if sess.RepoID == 0 || sess.RepoDefaultBranch == "" {
		if err := c.deps.Sessions.SetRepoInfo(ctx, c.sessionID, repo.DefaultBranch, repo.ID); err != nil {
			c.log.Error().Err(err).Msg("Failed to persist repo info")
		}
	}

	head := "particl/session-" + sess.SessionName

	if err := c.pushBranch(ctx, head, sess.RepoOwner, sess.RepoName); err != nil {
		return nil, err
	}

	title := params.Title
	if title == "" {
		title = sess.Title
	}
	body := params.Body + c.prFooter(sess.SessionName)

	pr, err := c.deps.GitHost.CreatePullRequest(ctx, userToken, githost.CreatePRParams{
		Owner: sess.RepoOwner,
		Name:  sess.RepoName,
		Title: title,
		Body:  body,
		Head:  head,
		Base:  repo.DefaultBranch,
		Draft: params.Draft,
	})
	if err != nil {
		if errors.Is(err, githost.ErrUnauthorized) {
			return nil, ErrReauthRequired
		}
		return nil, err
	}

	meta, _ := json.Marshal(map[string]any{
		"number": pr.Number,
		"title":  pr.Title,
		"head":   pr.Head,
		"base":   pr.Base,
	})
	url := pr.URL
	art, err := c.deps.Artifacts.Append(ctx, artifact.AppendParams{
		SessionID: c.sessionID,
		Type:      artifact.TypePR,
		URL:       &url,
		Metadata:  meta,
	})
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to persist PR artifact")
	}
	if err := c.deps.Sessions.SetBranchName(ctx, c.sessionID, head); err != nil {
		c.log.Error().Err(err).Msg("Failed to persist branch name")
	}

	if art != nil {
		c.hub.Broadcast(protocol.ServerArtifactCreated, map[string]any{
			"artifact": map[string]any{
				"id":        art.ID.String(),
				"type":      art.Type,
				"url":       art.URL,
				"metadata":  art.Metadata,
				"createdAt": art.CreatedAt,
			},
		})
	}

	c.log.Info().Int("pr_number", pr.Number).Str("head", head).Msg("Pull request created")
	return pr, nil
}

// decryptHostToken returns the plaintext host token or ErrReauthRequired when
// the token is absent, undecryptable, or expired within the skew window.
func (c *Coordinator) decryptHostToken(enc *string, expiresAt *time.Time) (string, error) {
	if enc == nil || *enc == "" {
		return "", ErrReauthRequired
	}
	token, err := crypto.Decrypt(*enc, c.deps.Cfg.MasterKey)
	if err != nil {
		return "", ErrReauthRequired
	}
	if expiresAt != nil && time.Now().Add(c.deps.Cfg.HostTokenExpirySkew).After(*expiresAt) {
		return "", ErrReauthRequired
	}
	return token, nil
}

// pushBranch asks the sandbox to push the working branch and waits for the
// result. Without a connected sandbox the user is assumed to have pushed
// manually and the PR proceeds.
func (c *Coordinator) pushBranch(ctx context.Context, branch, owner, name string) error {
	if !c.hub.HasSandboxSocket() {
		c.log.Info().Str("branch", branch).Msg("No sandbox connected, assuming manual push")
		return nil
	}

	pushToken := ""
	if c.deps.Identity != nil && c.deps.Identity.Configured() {
		token, _, err := c.deps.Identity.Token(ctx)
		if err != nil {
			if !errors.Is(err, identity.ErrNotConfigured) {
				c.log.Error().Err(err).Msg("Failed to mint installation token")
			}
		} else {
			pushToken = token
		}
	}

	wait := c.registerPush(branch)
	if err := c.hub.SendToSandbox(protocol.SandboxCommand{
		Type:        protocol.CommandPush,
		BranchName:  branch,
		RepoOwner:   owner,
		RepoName:    name,
		GithubToken: pushToken,
	}); err != nil {
		c.resolvePush(branch, err)
	}

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		c.resolvePush(branch, ctx.Err())
		return <-wait
	}
}

func normalizeBranch(branch string) string {
	return strings.ToLower(strings.TrimSpace(branch))
}

// registerPush installs a waiter keyed by normalized branch name, armed with
// the push timeout. The timer is cleared on every resolution path.
func (c *Coordinator) registerPush(branch string) <-chan error {
	key := normalizeBranch(branch)
	ch := make(chan error, 1)

	c.mu.Lock()
	if prev, ok := c.pendingPush[key]; ok {
		prev.timer.Stop()
		prev.ch <- fmt.Errorf("push superseded for branch %s", key)
	}
	w := &pushWaiter{ch: ch}
	w.timer = time.AfterFunc(c.deps.Cfg.PushTimeout, func() {
		c.resolvePush(key, ErrPushTimeout)
	})
	c.pendingPush[key] = w
	c.mu.Unlock()

	return ch
}

// resolvePush completes the waiter for a branch. Branches with no waiter are
// ignored; the sandbox may report pushes the coordinator never asked for.
func (c *Coordinator) resolvePush(branch string, result error) {
	key := normalizeBranch(branch)

	c.mu.Lock()
	w, ok := c.pendingPush[key]
	if ok {
		delete(c.pendingPush, key)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	w.timer.Stop()
	w.ch <- result
}

// pushError converts a sandbox-reported push failure to an error value.
func pushError(message string) error {
	if message == "" {
		message = "sandbox push failed"
	}
	return fmt.Errorf("push failed: %s", message)
}

func (c *Coordinator) prFooter(sessionName string) string {
	return fmt.Sprintf("\n\n---\nCreated from a [Particl session](%s/sessions/%s).",
		c.deps.Cfg.ServerURL, sessionName)
}
