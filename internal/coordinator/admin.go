package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/AltairaLabs/mobius/internal/broadcast"
)

const (
	toolSessionsList     = "sessions.list"
	toolSessionsDestroy  = "sessions.destroy"
	toolBroadcastPublish = "broadcast.publish"
	toolWorkersList      = "workers.list"
)

// AdminConfig holds the admin server identity
type AdminConfig struct {
	Name    string
	Version string
}

// AdminServer exposes host administration as MCP tools
type AdminServer struct {
	server   *server.MCPServer
	sessions *SessionManager
	registry *WorkerRegistry
	bus      *broadcast.Bus
	audit    *AuditLogger
}

// NewAdminServer creates the admin tool server. registry may be nil when
// sessions run in-process.
func NewAdminServer(cfg AdminConfig, sessions *SessionManager, registry *WorkerRegistry, bus *broadcast.Bus, audit *AuditLogger) *AdminServer {
	mcpServer := server.NewMCPServer(
		cfg.Name,
		cfg.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	as := &AdminServer{
		server:   mcpServer,
		sessions: sessions,
		registry: registry,
		bus:      bus,
		audit:    audit,
	}
	as.registerTools()
	return as
}

func (as *AdminServer) registerTools() {
	as.server.AddTool(mcp.NewTool(toolSessionsList,
		mcp.WithDescription("List the sessions held by this host"),
	), as.handleSessionsList)

	as.server.AddTool(mcp.NewTool(toolSessionsDestroy,
		mcp.WithDescription("Destroy a session and close its clients"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Id of the session to destroy"),
		),
	), as.handleSessionsDestroy)

	as.server.AddTool(mcp.NewTool(toolBroadcastPublish,
		mcp.WithDescription("Publish a broadcast to every session receiving the topic"),
		mcp.WithString("topic",
			mcp.Required(),
			mcp.Description("Broadcast topic"),
		),
		mcp.WithString("payload",
			mcp.Description("JSON payload; plain text is sent as a string"),
		),
	), as.handleBroadcastPublish)

	as.server.AddTool(mcp.NewTool(toolWorkersList,
		mcp.WithDescription("List worker processes and the sessions placed on them"),
	), as.handleWorkersList)
}

type sessionSummary struct {
	SessionID   string `json:"session_id"`
	Worker      int    `json:"worker"`
	Clients     []int  `json:"clients"`
	Sharing     bool   `json:"sharing"`
	Ended       bool   `json:"ended"`
	CreatedAt   string `json:"created_at"`
	LastMessage string `json:"last_message"`
}

type workerSummary struct {
	Index        int    `json:"index"`
	Attached     bool   `json:"attached"`
	Exited       bool   `json:"exited"`
	Sessions     int    `json:"sessions"`
	PendingCalls int    `json:"pending_calls"`
	AttachedAt   string `json:"attached_at,omitempty"`
}

func (as *AdminServer) handleSessionsList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	as.audit.LogAdminAction(ctx, toolSessionsList, nil)
	summaries := make([]sessionSummary, 0)
	for _, hs := range as.sessions.ListSessions() {
		summaries = append(summaries, sessionSummary{
			SessionID:   hs.ID(),
			Worker:      hs.Worker,
			Clients:     hs.Clients.IDs(),
			Sharing:     hs.Clients.Sharing(),
			Ended:       hs.Ended(),
			CreatedAt:   hs.CreatedAt.UTC().Format(time.RFC3339),
			LastMessage: hs.LastMessage().UTC().Format(time.RFC3339),
		})
	}
	return jsonResult(summaries)
}

func (as *AdminServer) handleSessionsDestroy(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	as.audit.LogAdminAction(ctx, toolSessionsDestroy, map[string]any{"session_id": sessionID})

	if err := as.sessions.DestroySession(ctx, sessionID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to destroy session %s: %v", sessionID, err)), nil
	}
	return mcp.NewToolResultText("destroyed " + sessionID), nil
}

func (as *AdminServer) handleBroadcastPublish(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	topic, err := request.RequireString("topic")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw := request.GetString("payload", "")
	as.audit.LogAdminAction(ctx, toolBroadcastPublish, map[string]any{"topic": topic})

	var payload any
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			payload = raw
		}
	}
	if err := as.bus.Publish(ctx, topic, payload); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to publish: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("published to %d local subscribers", as.bus.Subscribers(topic))), nil
}

func (as *AdminServer) handleWorkersList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	as.audit.LogAdminAction(ctx, toolWorkersList, nil)
	summaries := make([]workerSummary, 0)
	if as.registry != nil {
		for _, w := range as.registry.ListWorkers() {
			s := workerSummary{
				Index:        w.Index,
				Attached:     w.Attached(),
				Exited:       w.Exited(),
				Sessions:     w.SessionCount(),
				PendingCalls: w.PendingCalls(),
			}
			if at := w.AttachedAt(); !at.IsZero() {
				s.AttachedAt = at.UTC().Format(time.RFC3339)
			}
			summaries = append(summaries, s)
		}
	}
	return jsonResult(summaries)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// NewSSEServer returns the admin tools served over HTTP/SSE on addr
func (as *AdminServer) NewSSEServer(addr string, logger *slog.Logger) *server.SSEServer {
	logger.Info("Starting admin server with HTTP/SSE transport", "address", addr, "base_path", "/mcp")
	return server.NewSSEServer(as.server,
		server.WithBaseURL("http://"+addr),
		server.WithStaticBasePath("/mcp"),
	)
}
