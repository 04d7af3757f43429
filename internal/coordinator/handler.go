package coordinator

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/AltairaLabs/mobius/internal/observability"
	"github.com/AltairaLabs/mobius/internal/protocol"
	"github.com/AltairaLabs/mobius/internal/sandbox"
)

// socketSuffix marks the socket endpoint of a page
const socketSuffix = ".websocket"

// HandlerConfig configures the client-facing HTTP surface
type HandlerConfig struct {
	// Hostname overrides the request host in generated urls
	Hostname        string
	ClientScriptURL string
	LongPollTimeout time.Duration
}

// Handler serves pages, message posts and sockets for every session
type Handler struct {
	sessions *SessionManager
	audit    *AuditLogger
	cfg      HandlerConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader
	router   *mux.Router
}

// NewHandler creates the HTTP handler
func NewHandler(sessions *SessionManager, audit *AuditLogger, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		sessions: sessions,
		audit:    audit,
		cfg:      cfg,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.Use(h.instrument)
	r.Handle("/metrics", observability.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
	r.PathPrefix("/").MatcherFunc(isSocketRequest).HandlerFunc(h.handleSocket)
	r.PathPrefix("/").Methods(http.MethodGet).HandlerFunc(h.handlePage)
	r.PathPrefix("/").Methods(http.MethodPost).HandlerFunc(h.handlePost)
	h.router = r
	return h
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func isSocketRequest(r *http.Request, _ *mux.RouteMatch) bool {
	return websocket.IsWebSocketUpgrade(r) || strings.HasSuffix(r.URL.Path, socketSuffix)
}

// BaseURL derives the address a session was requested at: the socket
// suffix and query are dropped, and hostname replaces the request host
// when set.
func BaseURL(r *http.Request, hostname string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	host := r.Host
	if hostname != "" {
		host = hostname
	}
	u := url.URL{
		Scheme: scheme,
		Host:   host,
		Path:   strings.TrimSuffix(r.URL.Path, socketSuffix),
	}
	return u.String()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the socket upgrade through the recorder
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacking not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		observability.RecordRequest(r.Method, rec.status, time.Since(start))
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": h.sessions.SessionCount(),
	})
}

// handlePage renders a page for a new client. Without a sessionID a new
// session is created; with one the client joins it if sharing allows.
// bootstrap=1 returns the replay state as JSON instead of markup, and
// noscript=1 re-renders an attached client's page without script.
func (h *Handler) handlePage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if q.Get("noscript") != "" {
		h.handleNoScriptPage(w, r, q)
		return
	}

	var hs *HostSession
	if id := q.Get("sessionID"); id != "" {
		existing, ok := h.sessions.GetSession(id)
		if !ok || existing.Ended() {
			http.Error(w, ErrSessionNotFound.Error(), http.StatusNotFound)
			return
		}
		if err := existing.BecameActive(ctx); err != nil {
			h.logger.Error("failed to activate session", "session_id", id, "error", err)
			http.Error(w, "session unavailable", http.StatusServiceUnavailable)
			return
		}
		hs = existing
	} else {
		created, err := h.sessions.CreateSession(ctx, BaseURL(r, h.cfg.Hostname))
		if err != nil {
			h.logger.Error("failed to create session", "error", err)
			http.Error(w, "failed to create session", http.StatusServiceUnavailable)
			return
		}
		hs = created
	}
	hs.Touch()

	client, err := hs.Clients.NewClient()
	if err != nil {
		h.audit.LogClientRejected(ctx, hs.ID(), err)
		if errors.Is(err, ErrMultipleClients) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		if errors.Is(err, ErrSessionNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.audit.LogClientAttached(ctx, hs.ID(), client.ID(), "page")
	client.Rendered()

	if q.Get("bootstrap") != "" {
		b, err := hs.Bootstrap(ctx, client.ID())
		if err != nil {
			h.failSession(w, hs, err)
			return
		}
		if marker, ok := b.LeadingMarker(); ok {
			b.Connect = marker
		}
		encoded, err := sandbox.EncodeBootstrap(b)
		if err != nil {
			h.failSession(w, hs, err)
			return
		}
		h.writeCookies(w, client)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write([]byte(encoded))
		return
	}

	page, err := hs.Render(ctx, sandbox.RenderOptions{
		Mode:        sandbox.RenderIncludeForm,
		Client:      sandbox.ClientState{ClientID: client.ID(), IncomingMessageID: client.IncomingMessageID()},
		ClientURL:   h.cfg.ClientScriptURL,
		NoScriptURL: noScriptURL(r, hs.ID(), client.ID()),
		Bootstrap:   true,
	})
	if err != nil {
		h.failSession(w, hs, err)
		return
	}
	h.writeCookies(w, client)
	writeHTML(w, page)
}

func noScriptURL(r *http.Request, sessionID string, clientID int) string {
	q := url.Values{}
	q.Set("sessionID", sessionID)
	q.Set("clientID", fmt.Sprint(clientID))
	q.Set("noscript", "1")
	return r.URL.Path + "?" + q.Encode()
}

func (h *Handler) handleNoScriptPage(w http.ResponseWriter, r *http.Request, q url.Values) {
	msg, err := protocol.DecodeForm(q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	hs, client, ok := h.lookupClient(msg)
	if !ok || hs.Ended() {
		http.Redirect(w, r, r.URL.Path, http.StatusSeeOther)
		return
	}
	h.renderNoScript(r.Context(), w, hs, client)
}

func (h *Handler) renderNoScript(ctx context.Context, w http.ResponseWriter, hs *HostSession, client *Client) {
	page, err := hs.Render(ctx, sandbox.RenderOptions{
		Mode:      sandbox.RenderIncludeFormAndStripScript,
		Client:    sandbox.ClientState{ClientID: client.ID(), IncomingMessageID: client.IncomingMessageID()},
		ClientURL: h.cfg.ClientScriptURL,
	})
	if err != nil {
		h.failSession(w, hs, err)
		return
	}
	h.writeCookies(w, client)
	writeHTML(w, page)
}

func (h *Handler) lookupClient(msg protocol.ClientMessage) (*HostSession, *Client, bool) {
	hs, ok := h.sessions.GetSession(msg.SessionID)
	if !ok {
		return nil, nil, false
	}
	client, ok := hs.Clients.GetClient(msg.ClientID)
	if !ok {
		return hs, nil, false
	}
	return hs, client, true
}

// handlePost answers a message sent by request/response. The reply carries
// whatever the session queued for the client; while the session has
// channels open the reply waits for events, up to the long-poll timeout.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.Form.Get("postback") == "form" {
		h.handleFormPostback(w, r)
		return
	}

	ctx := r.Context()
	msg, err := protocol.DecodeForm(r.Form)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	observability.RecordMessage("in", "poll")

	hs, client, ok := h.lookupClient(msg)
	if !ok && hs == nil && msg.ClientID == 0 && msg.MessageID == 0 {
		hs, client, ok = h.startUnrenderedSession(r, msg.SessionID)
	}
	if !ok {
		reload := protocol.ReloadNewSession
		if hs != nil && !hs.Ended() {
			reload = protocol.ReloadSameSession
		}
		h.logger.Debug("message for unknown client", "session_id", msg.SessionID,
			"client_id", msg.ClientID, "reload", reload.String())
		writeMessage(w, protocol.Message{MessageID: msg.MessageID, Events: protocol.Stream{}, Reload: reload})
		return
	}
	hs.Touch()

	if !hs.Ended() {
		if err := client.Receive(ctx, hs, msg.Message, false); err != nil {
			if hs.Ended() {
				h.logger.Debug("message for destroyed session", "session_id", hs.ID(), "error", err)
			} else {
				h.logger.Warn("failed to process message", "session_id", hs.ID(),
					"client_id", client.ID(), "error", err)
			}
		}
	}

	if !client.Pending() && !hs.Ended() {
		open, err := hs.HasLocalChannels(ctx)
		if err == nil && open {
			client.Wait(ctx, h.cfg.LongPollTimeout)
		}
	}

	out := client.Produce()
	h.writeCookies(w, client)
	writeMessage(w, out)
	observability.RecordMessage("out", "poll")
}

// startUnrenderedSession creates the session named by a client that never
// received a page, so its first message is message 0
func (h *Handler) startUnrenderedSession(r *http.Request, sessionID string) (*HostSession, *Client, bool) {
	ctx := r.Context()
	hs, err := h.sessions.CreateSessionWithID(ctx, sessionID, BaseURL(r, h.cfg.Hostname))
	if err != nil {
		h.logger.Warn("failed to create session for client", "session_id", sessionID, "error", err)
		return nil, nil, false
	}
	client, err := hs.Clients.NewClient()
	if err != nil {
		h.audit.LogClientRejected(ctx, hs.ID(), err)
		return hs, nil, false
	}
	h.audit.LogClientAttached(ctx, hs.ID(), client.ID(), "poll")
	return hs, client, true
}

// handleFormPostback applies a form submitted without script. Inputs whose
// value differs from the session's become client events, and the reply is
// a fresh page.
func (h *Handler) handleFormPostback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	msg, err := protocol.DecodeForm(r.PostForm)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	hs, client, ok := h.lookupClient(msg)
	if !ok || hs.Ended() {
		http.Redirect(w, r, r.URL.Path, http.StatusSeeOther)
		return
	}
	hs.Touch()

	events, err := h.changedFields(ctx, hs, r.PostForm)
	if err != nil {
		h.failSession(w, hs, err)
		return
	}
	msg.Events = events
	if err := client.Receive(ctx, hs, msg.Message, true); err != nil {
		h.failSession(w, hs, err)
		return
	}
	h.renderNoScript(ctx, w, hs, client)
}

func (h *Handler) changedFields(ctx context.Context, hs *HostSession, form url.Values) (protocol.Stream, error) {
	type change struct {
		id    int
		value string
	}
	var changes []change
	for name, values := range form {
		id, ok := sandbox.ParseFieldName(name)
		if !ok || len(values) == 0 {
			continue
		}
		current, found, err := hs.ValueForFormField(ctx, name)
		if err != nil {
			return nil, err
		}
		if found && current != values[0] {
			changes = append(changes, change{id: id, value: values[0]})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].id < changes[j].id })
	events := make(protocol.Stream, 0, len(changes))
	for _, c := range changes {
		events = append(events, protocol.NewEvent(c.id, c.value))
	}
	return events, nil
}

// handleSocket upgrades to a persistent connection for an attached client.
// Messages without an id follow the previous one on the same socket.
func (h *Handler) handleSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	msg, err := protocol.DecodeForm(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	hs, client, ok := h.lookupClient(msg)
	if !ok || hs.Ended() {
		http.Error(w, ErrSessionNotFound.Error(), http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("socket upgrade failed", "session_id", hs.ID(), "error", err)
		return
	}
	defer conn.Close()
	client.AttachSocket(conn)
	defer client.DetachSocket(conn)
	h.audit.LogClientAttached(ctx, hs.ID(), client.ID(), "socket")

	next := client.IncomingMessageID()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.logger.Debug("socket closed", "session_id", hs.ID(), "client_id", client.ID(), "error", err)
			return
		}
		in, err := protocol.DeserializeMessageFromText(string(data), next)
		if err != nil {
			h.logger.Warn("invalid socket message", "session_id", hs.ID(), "error", err)
			continue
		}
		next = in.MessageID + 1
		hs.Touch()
		observability.RecordMessage("in", "socket")
		if err := client.Receive(ctx, hs, in, false); err != nil {
			if hs.Ended() {
				return
			}
			h.logger.Warn("failed to process message", "session_id", hs.ID(),
				"client_id", client.ID(), "error", err)
		}
	}
}

func (h *Handler) failSession(w http.ResponseWriter, hs *HostSession, err error) {
	h.logger.Error("session request failed", "session_id", hs.ID(), "error", err)
	http.Error(w, "session request failed", http.StatusInternalServerError)
}

func (h *Handler) writeCookies(w http.ResponseWriter, client *Client) {
	for key, value := range client.TakeCookies() {
		http.SetCookie(w, &http.Cookie{Name: key, Value: value, Path: "/"})
	}
}

func writeMessage(w http.ResponseWriter, msg protocol.Message) {
	text, err := protocol.SerializeMessage(msg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(text))
}

func writeHTML(w http.ResponseWriter, page string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(page))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
