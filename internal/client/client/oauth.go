package client

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/authsync/internal/authpb"
	"github.com/dmitrijs2005/authsync/internal/common"
)

// SignInWithOAuth starts an OAuth flow with provider and hands the
// authorization URL to the Redirector. It returns once the redirect was
// triggered; the session arrives later as a signed-in event when the flow
// completes within the OAuth timeout.
func (c *GRPCClient) SignInWithOAuth(ctx context.Context, provider string) error {
	callCtx, cancel := c.callCtx(ctx)
	resp, err := c.client.StartOAuth(callCtx, &authpb.StartOAuthRequest{Provider: provider})
	cancel()
	if err != nil {
		return c.mapError(err)
	}

	if err := c.redirect(ctx, resp.URL); err != nil {
		return fmt.Errorf("redirect to %s: %w", provider, err)
	}

	if !c.goBackground(func() { c.awaitOAuth(provider, resp.FlowID) }) {
		return ErrClosed
	}
	return nil
}

func (c *GRPCClient) awaitOAuth(provider, flowID string) {
	ctx, cancel := context.WithTimeout(c.bg, c.oauthTimeout)
	defer cancel()

	resp, err := c.client.AwaitOAuth(ctx, &authpb.AwaitOAuthRequest{FlowID: flowID})
	if err != nil {
		if c.bg.Err() == nil {
			c.logger.Warn(ctx, "oauth sign-in did not complete", "provider", provider, "error", c.mapError(err))
		}
		return
	}

	s := toSession(resp.Session)
	if s == nil {
		c.logger.Warn(ctx, "oauth sign-in returned no session", "provider", provider, "error", common.ErrFlowExpired)
		return
	}
	c.logger.Info(ctx, "oauth sign-in completed", "provider", provider)
	c.signIn(ctx, s)
}
