package coordinator

import (
	"context"
	"log/slog"
)

// AuditLogger records session lifecycle events for provenance tracking
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{
		logger: logger,
	}
}

// LogSessionCreated logs a new session and where it was placed
func (al *AuditLogger) LogSessionCreated(ctx context.Context, sessionID string, worker int) {
	al.logger.InfoContext(ctx, "session_created",
		"session_id", sessionID,
		"worker_index", worker,
	)
}

// LogClientAttached logs a physical client joining a session
func (al *AuditLogger) LogClientAttached(ctx context.Context, sessionID string, clientID int, transport string) {
	al.logger.InfoContext(ctx, "client_attached",
		"session_id", sessionID,
		"client_id", clientID,
		"transport", transport,
	)
}

// LogClientRejected logs a client turned away from a session
func (al *AuditLogger) LogClientRejected(ctx context.Context, sessionID string, err error) {
	al.logger.WarnContext(ctx, "client_rejected",
		"session_id", sessionID,
		"error", err,
	)
}

// LogSessionArchived logs an idle session being archived
func (al *AuditLogger) LogSessionArchived(ctx context.Context, sessionID string) {
	al.logger.InfoContext(ctx, "session_archived",
		"session_id", sessionID,
	)
}

// LogSessionDestroyed logs the end of a session
func (al *AuditLogger) LogSessionDestroyed(ctx context.Context, sessionID string) {
	al.logger.InfoContext(ctx, "session_destroyed",
		"session_id", sessionID,
	)
}

// LogAdminAction logs a call made through the admin tools
func (al *AuditLogger) LogAdminAction(ctx context.Context, tool string, args map[string]any) {
	al.logger.InfoContext(ctx, "admin_action",
		"tool_name", tool,
		"arguments", args,
	)
}
