package sandbox

import (
	"context"
)

// Host is the side of a session that owns its physical clients. In-process
// sessions call it directly; worker sessions reach it over the bridge.
type Host interface {
	// SynchronizeChannels asks every client to deliver what is queued
	SynchronizeChannels(ctx context.Context) error
	// ScheduleSynchronize asks every client to deliver soon
	ScheduleSynchronize(ctx context.Context) error
	// SessionWasDestroyed detaches every client and forgets the session
	SessionWasDestroyed(ctx context.Context) error
	// SendEvent queues an event or open-channel marker for every client
	SendEvent(ctx context.Context, item any) error
	SetCookie(ctx context.Context, key, value string) error
	// GetBaseURL returns the address the session was requested at
	GetBaseURL(ctx context.Context) (string, error)
	// EnableSharing lets more clients attach to the session
	EnableSharing(ctx context.Context) error
	// ClientCount returns the number of attached clients
	ClientCount(ctx context.Context) (int, error)
}
