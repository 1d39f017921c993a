package client

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrijs2005/authsync/internal/authpb"
	"github.com/dmitrijs2005/authsync/internal/session"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	watchRetryMin = 500 * time.Millisecond
	watchRetryMax = 30 * time.Second
)

var errWatchDone = errors.New("watch finished")

// ensureWatch starts the Watch stream for the current session unless one
// is already running.
func (c *GRPCClient) ensureWatch() {
	c.mu.Lock()
	if c.current == nil || c.watchCancel != nil || c.closed {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(c.bg)
	c.watchCancel = cancel
	gen := c.gen
	c.mu.Unlock()

	if !c.goBackground(func() { c.watch(ctx, gen) }) {
		cancel()
	}
}

func (c *GRPCClient) watch(ctx context.Context, gen uint64) {
	defer c.watchStopped(gen)

	backoff := watchRetryMin
	for {
		token := c.accessToken()
		err := c.watchOnce(ctx, gen, token)
		if ctx.Err() != nil || errors.Is(err, errWatchDone) {
			return
		}

		switch {
		case isTokenExpired(err):
			rerr := c.refreshAfter(ctx, token)
			if rerr == nil {
				backoff = watchRetryMin
				continue
			}
			if !c.sessionGen(gen) {
				return
			}
			c.logger.Warn(ctx, "token refresh for watch failed, retrying", "error", rerr, "backoff", backoff)
		case status.Code(err) == codes.Unauthenticated || status.Code(err) == codes.PermissionDenied:
			c.logger.Warn(ctx, "watch rejected by server", "error", err)
			return
		default:
			c.logger.Debug(ctx, "watch stream interrupted, retrying", "error", err, "backoff", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, watchRetryMax)
	}
}

// watchStopped lets ensureWatch start a new stream for the session of
// generation gen.
func (c *GRPCClient) watchStopped(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen && c.watchCancel != nil {
		c.watchCancel()
		c.watchCancel = nil
	}
}

func (c *GRPCClient) watchOnce(ctx context.Context, gen uint64, token string) error {
	stream, err := c.client.Watch(withAccessToken(ctx, token))
	if err != nil {
		return err
	}

	for {
		ev, err := stream.Recv()
		if err != nil {
			return err
		}

		switch ev.Kind {
		case authpb.EventUserUpdated:
			c.updateUser(ctx, toRawUser(ev.User), gen)
		case authpb.EventSignedOut:
			if c.clear(ctx, gen) {
				c.events.emit(session.EventSignedOut, nil)
			}
			return errWatchDone
		default:
			c.logger.Debug(ctx, "ignoring watch event", "kind", ev.Kind)
		}
	}
}
