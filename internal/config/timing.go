package config

import "time"

// Default timing configurations used throughout the host and workers
const (
	// DefaultHeartbeatInterval is how often an idle client re-sends an empty message
	DefaultHeartbeatInterval = 4 * time.Minute

	// DefaultSessionIdleTimeout is how long a session may go without messages before it is reaped
	DefaultSessionIdleTimeout = 10 * time.Minute

	// DefaultReapInterval is how often idle sessions are checked
	DefaultReapInterval = 1 * time.Minute

	// DefaultLongPollTimeout bounds how long a POST waits for server events
	DefaultLongPollTimeout = 30 * time.Second

	// DefaultShutdownTimeout bounds graceful shutdown of the HTTP servers
	DefaultShutdownTimeout = 10 * time.Second

	// DefaultFetchCacheTTL is how long fetched resources stay cached
	DefaultFetchCacheTTL = 5 * time.Minute

	// DefaultWorkerStartTimeout is how long the host waits for a worker to attach
	DefaultWorkerStartTimeout = 15 * time.Second
)
