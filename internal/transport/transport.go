// Package transport carries a client's messages to the session that serves
// it. Messages go over a persistent socket when one is wanted and works, and
// otherwise as one request/response round trip each.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AltairaLabs/mobius/internal/observability"
	"github.com/AltairaLabs/mobius/internal/ordering"
	"github.com/AltairaLabs/mobius/internal/protocol"
	"github.com/AltairaLabs/mobius/internal/retry"
)

const (
	socketSuffix       = ".websocket"
	socketWriteTimeout = 10 * time.Second
	destroyTimeout     = 5 * time.Second
)

var (
	// ErrClosed is returned once the transport has been closed
	ErrClosed = errors.New("transport closed")
	// ErrSocketLost reports that the socket failed and requests now carry
	// every message
	ErrSocketLost = errors.New("socket lost")
)

// Config configures a Transport
type Config struct {
	// URL is the page the session was served from; its query is ignored
	URL       string
	SessionID string
	// HTTPClient defaults to a client with a cookie jar
	HTTPClient  *http.Client
	Dialer      *websocket.Dialer
	RetryPolicy retry.Policy
	Logger      *slog.Logger
}

// Transport moves messages between one client and its session
type Transport struct {
	endpoint   *url.URL
	sessionID  string
	httpClient *http.Client
	dialer     *websocket.Dialer
	policy     retry.Policy
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	// outbox keeps socket writes in order
	outbox *ordering.Loop

	mu           sync.Mutex
	onMessage    func(protocol.Message)
	onError      func(error)
	persistent   bool
	socket       *websocket.Conn
	socketFailed bool
	posts        int
	closed       bool

	// owned by the outbox
	lastSentID int
}

// New creates a transport for the session at cfg.URL
func New(cfg Config) (*Transport, error) {
	endpoint, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid session url %q: %w", cfg.URL, err)
	}
	endpoint.RawQuery = ""
	endpoint.Fragment = ""

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		jar, _ := cookiejar.New(nil)
		httpClient = &http.Client{Jar: jar}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Jar:              httpClient.Jar,
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		endpoint:   endpoint,
		sessionID:  cfg.SessionID,
		httpClient: httpClient,
		dialer:     dialer,
		policy:     cfg.RetryPolicy,
		logger:     logger.With("session_id", cfg.SessionID),
		ctx:        ctx,
		cancel:     cancel,
		outbox:     ordering.NewLoop(logger),
	}
	go t.outbox.Run(ctx)
	return t, nil
}

// OnMessage sets the handler for messages from the session. It is called
// from transport goroutines.
func (t *Transport) OnMessage(handler func(protocol.Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = handler
}

// OnError sets the handler for delivery failures. ErrSocketLost is not
// fatal; anything else means a message could not be delivered.
func (t *Transport) OnError(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = handler
}

// SetPersistent says whether messages should go over a socket
func (t *Transport) SetPersistent(persistent bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.persistent = persistent
}

// Connected reports whether a socket is open
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.socket != nil
}

// Posting reports whether a request is waiting for its reply
func (t *Transport) Posting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.posts > 0
}

// Send delivers msg without blocking. Replies arrive through OnMessage.
func (t *Transport) Send(msg protocol.Message) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	useSocket := t.persistent && !t.socketFailed
	if !useSocket {
		t.posts++
	}
	t.mu.Unlock()

	if useSocket {
		t.outbox.Post(func() { t.sendSocket(msg) })
		return
	}
	go t.postAndDeliver(msg)
}

// Destroy tells the session to end. It is sent once and not awaited.
func (t *Transport) Destroy(msg protocol.Message) {
	msg.Destroy = true
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
		defer cancel()
		if _, err := t.post(ctx, retry.NoRetryPolicy(), msg); err != nil {
			t.logger.Debug("destroy not delivered", "error", err)
		}
	}()
}

// Close abandons the socket and any request in flight
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	conn := t.socket
	t.socket = nil
	t.mu.Unlock()

	t.cancel()
	t.outbox.Stop()
	if conn != nil {
		_ = conn.Close()
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) deliver(msg protocol.Message) {
	t.mu.Lock()
	handler := t.onMessage
	closed := t.closed
	t.mu.Unlock()
	if handler != nil && !closed {
		handler(msg)
	}
}

func (t *Transport) fail(err error) {
	t.mu.Lock()
	handler := t.onError
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	if handler != nil {
		handler(err)
		return
	}
	t.logger.Warn("transport error", "error", err)
}

// sendSocket writes msg on the socket, dialing it first if needed. When the
// socket fails the message goes by request and the socket is abandoned.
func (t *Transport) sendSocket(msg protocol.Message) {
	err := t.writeSocket(msg)
	if err == nil {
		return
	}
	if t.isClosed() {
		return
	}
	t.logger.Warn("socket send failed, falling back to requests", "message_id", msg.MessageID, "error", err)
	t.abandonSocket(nil)

	t.mu.Lock()
	t.posts++
	t.mu.Unlock()
	go t.postAndDeliver(msg)
}

func (t *Transport) writeSocket(msg protocol.Message) error {
	t.mu.Lock()
	conn := t.socket
	failed := t.socketFailed
	t.mu.Unlock()
	if failed {
		return ErrSocketLost
	}
	if conn == nil {
		var err error
		if conn, err = t.dialSocket(msg); err != nil {
			return err
		}
	}

	var (
		text string
		err  error
	)
	if msg.MessageID == t.lastSentID+1 {
		text, err = protocol.SerializeMessageOmittingID(msg)
	} else {
		text, err = protocol.SerializeMessage(msg)
	}
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout)); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return err
	}
	t.lastSentID = msg.MessageID
	observability.RecordMessage("out", "socket")
	return nil
}

func (t *Transport) socketURL(msg protocol.Message) (string, error) {
	u := *t.endpoint
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, socketSuffix) + socketSuffix
	query, err := protocol.EncodeForm(protocol.ClientMessage{
		Message:   protocol.Message{MessageID: msg.MessageID, ClientID: msg.ClientID},
		SessionID: t.sessionID,
	})
	if err != nil {
		return "", err
	}
	u.RawQuery = query
	return u.String(), nil
}

func (t *Transport) dialSocket(msg protocol.Message) (*websocket.Conn, error) {
	target, err := t.socketURL(msg)
	if err != nil {
		return nil, err
	}
	conn, resp, err := t.dialer.DialContext(t.ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open socket: %w", err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	t.socket = conn
	t.mu.Unlock()

	// the first message on a socket always carries its id
	t.lastSentID = -2
	t.logger.Debug("socket opened")
	go t.readSocket(conn)
	return conn, nil
}

// readSocket delivers messages until the socket ends. A message without an
// id follows the previous one.
func (t *Transport) readSocket(conn *websocket.Conn) {
	last := -1
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if t.isClosed() {
				return
			}
			t.abandonSocket(conn)
			t.fail(fmt.Errorf("%w: %v", ErrSocketLost, err))
			return
		}
		msg, err := protocol.DeserializeMessageFromText(string(data), last+1)
		if err != nil {
			t.logger.Warn("invalid socket message", "error", err)
			continue
		}
		last = msg.MessageID
		observability.RecordMessage("in", "socket")
		t.deliver(msg)
	}
}

// abandonSocket closes the socket for good; nil means whichever is open
func (t *Transport) abandonSocket(conn *websocket.Conn) {
	t.mu.Lock()
	if conn == nil {
		conn = t.socket
	}
	if t.socket == conn {
		t.socket = nil
	}
	t.socketFailed = true
	t.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (t *Transport) postAndDeliver(msg protocol.Message) {
	reply, err := t.post(t.ctx, t.policy, msg)

	t.mu.Lock()
	t.posts--
	t.mu.Unlock()

	if err != nil {
		if t.ctx.Err() != nil {
			return
		}
		t.fail(fmt.Errorf("failed to send message %d: %w", msg.MessageID, err))
		return
	}
	t.deliver(reply)
}

// post sends msg as a form and decodes the session's reply
func (t *Transport) post(ctx context.Context, policy retry.Policy, msg protocol.Message) (protocol.Message, error) {
	body, err := protocol.EncodeForm(protocol.ClientMessage{Message: msg, SessionID: t.sessionID})
	if err != nil {
		return protocol.Message{}, err
	}

	var reply protocol.Message
	err = policy.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint.String(), strings.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := t.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", retry.ErrRetriable, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: failed to read reply: %v", retry.ErrRetriable, err)
		}
		if retry.RetriableStatus(resp.StatusCode) {
			return fmt.Errorf("%w: status %d", retry.ErrRetriable, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		reply, err = protocol.DeserializeMessageFromText(string(data), msg.MessageID)
		return err
	})
	if err != nil {
		return protocol.Message{}, err
	}
	observability.RecordMessage("out", "poll")
	return reply, nil
}
