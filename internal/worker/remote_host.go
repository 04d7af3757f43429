package worker

import (
	"context"
	"fmt"

	"github.com/AltairaLabs/mobius/internal/bridge"
)

// hostConn is the part of the bridge a session's host calls go through
type hostConn interface {
	call(ctx context.Context, cmd bridge.Command) (any, error)
	notify(cmd bridge.Command) error
}

// RemoteHost reaches the clients of one session, which live in the host
// process. Calls whose result the session does not need are sent as
// notifications; they still arrive before the response to the command that
// caused them.
type RemoteHost struct {
	sessionID   string
	conn        hostConn
	onDestroyed func()
}

func newRemoteHost(sessionID string, conn hostConn, onDestroyed func()) *RemoteHost {
	return &RemoteHost{sessionID: sessionID, conn: conn, onDestroyed: onDestroyed}
}

func (h *RemoteHost) command(method string, args ...any) bridge.Command {
	return bridge.Command{SessionID: h.sessionID, Method: method, Args: args}
}

// SynchronizeChannels asks the host's clients to deliver what is queued
func (h *RemoteHost) SynchronizeChannels(ctx context.Context) error {
	return h.conn.notify(h.command(bridge.MethodSynchronizeChannels))
}

// ScheduleSynchronize asks the host's clients to deliver soon
func (h *RemoteHost) ScheduleSynchronize(ctx context.Context) error {
	return h.conn.notify(h.command(bridge.MethodScheduleSynchronize))
}

// SessionWasDestroyed tells the host the session is gone and drops it
// from this worker
func (h *RemoteHost) SessionWasDestroyed(ctx context.Context) error {
	if h.onDestroyed != nil {
		h.onDestroyed()
	}
	return h.conn.notify(h.command(bridge.MethodSessionWasDestroyed))
}

// SendEvent queues an event or marker for the host's clients
func (h *RemoteHost) SendEvent(ctx context.Context, item any) error {
	return h.conn.notify(h.command(bridge.MethodSendEvent, item))
}

// SetCookie asks the host to set a cookie on its clients
func (h *RemoteHost) SetCookie(ctx context.Context, key, value string) error {
	_, err := h.conn.call(ctx, h.command(bridge.MethodSetCookie, key, value))
	return err
}

// GetBaseURL returns the address the session was requested at
func (h *RemoteHost) GetBaseURL(ctx context.Context) (string, error) {
	v, err := h.conn.call(ctx, h.command(bridge.MethodGetBaseURL))
	if err != nil {
		return "", err
	}
	url, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("getBaseURL returned %T", v)
	}
	return url, nil
}

// EnableSharing lets more clients attach to the session
func (h *RemoteHost) EnableSharing(ctx context.Context) error {
	_, err := h.conn.call(ctx, h.command(bridge.MethodEnableSharing))
	return err
}

// ClientCount returns the number of clients the host has attached
func (h *RemoteHost) ClientCount(ctx context.Context) (int, error) {
	v, err := h.conn.call(ctx, h.command(bridge.MethodClientCount))
	if err != nil {
		return 0, err
	}
	n, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("clientCount returned %T", v)
	}
	return int(n), nil
}
