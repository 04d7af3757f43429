package transport

import (
	"context"
	"encoding/json"
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

	"github.com/AltairaLabs/mobius/internal/config"
	"github.com/AltairaLabs/mobius/internal/ordering"
	"github.com/AltairaLabs/mobius/internal/protocol"
	"github.com/AltairaLabs/mobius/internal/retry"
	"github.com/AltairaLabs/mobius/internal/sandbox"
	"github.com/AltairaLabs/mobius/internal/schema"
)

// ClientConfig configures a Client
type ClientConfig struct {
	HTTPClient  *http.Client
	Dialer      *websocket.Dialer
	RetryPolicy retry.Policy
	// HeartbeatInterval is how often an empty message is sent while
	// channels are open and nothing else was received
	HeartbeatInterval time.Duration
	// ClientOrdersAllEvents must match the host's session setting
	ClientOrdersAllEvents bool
	// AlwaysConnected keeps a socket open even without channel activity
	AlwaysConnected bool
	Validators      *schema.Registry
	Logger          *slog.Logger
	// OnReload runs when the host asks the client to start over
	OnReload func(protocol.ReloadType)
}

// DefaultClientConfig returns the settings a client uses when none are given
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RetryPolicy:       retry.DefaultPolicy(),
		HeartbeatInterval: config.DefaultHeartbeatInterval,
	}
}

// Client runs the client half of a program against a session served by a
// mobius host
type Client struct {
	sessionID string
	cfg       ClientConfig
	logger    *slog.Logger

	runCtx    context.Context
	stopRun   context.CancelFunc
	loop      *ordering.Loop
	peer      *ordering.Peer
	rt        *sandbox.Runtime
	transport *Transport

	// owned by the loop
	alwaysConnected bool
	closing         bool
	destroySent     bool
	heartbeat       *time.Timer

	doneOnce sync.Once
	done     chan struct{}
	mu       sync.Mutex
	err      error
	reload   protocol.ReloadType
}

// Dial fetches the bootstrap state of the page at pageURL, replays it
// through program and starts exchanging messages with the session. A
// pageURL carrying a sessionID joins that session.
func Dial(ctx context.Context, pageURL string, program sandbox.Program, cfg ClientConfig) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Validators == nil {
		cfg.Validators = sandbox.DefaultValidators()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = config.DefaultHeartbeatInterval
	}
	if cfg.HTTPClient == nil {
		jar, _ := cookiejar.New(nil)
		cfg.HTTPClient = &http.Client{Jar: jar}
	}

	b, err := fetchBootstrap(ctx, cfg.HTTPClient, pageURL)
	if err != nil {
		return nil, err
	}
	t, err := New(Config{
		URL:         pageURL,
		SessionID:   b.SessionID,
		HTTPClient:  cfg.HTTPClient,
		Dialer:      cfg.Dialer,
		RetryPolicy: cfg.RetryPolicy,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger.With("session_id", b.SessionID, "client_id", b.ClientID)
	c := &Client{
		sessionID:       b.SessionID,
		cfg:             cfg,
		logger:          logger,
		transport:       t,
		alwaysConnected: cfg.AlwaysConnected || b.Connect,
		done:            make(chan struct{}),
	}
	c.runCtx, c.stopRun = context.WithCancel(context.Background())
	c.loop = ordering.NewLoop(logger)
	c.loop.OnPanic = func(r any) {
		logger.Error("escaped program error", "error", fmt.Sprint(r))
	}
	c.peer = ordering.NewPeer(c.loop, ordering.Options{
		Role:                  ordering.RoleClient,
		ClientID:              b.ClientID,
		ClientOrdersAllEvents: cfg.ClientOrdersAllEvents,
		Validators:            cfg.Validators,
		Logger:                logger,
		OnSynchronize:         c.synchronize,
		OnDisconnect:          c.onDisconnect,
		OnReload:              c.onReload,
	})
	c.rt = sandbox.NewRuntime(c.runCtx, c.peer, sandbox.RuntimeOptions{
		SessionID: b.SessionID,
		Logger:    logger,
	})

	t.OnMessage(func(msg protocol.Message) {
		c.loop.Post(func() { c.receive(msg) })
	})
	t.OnError(c.transportFailed)
	go c.loop.Run(c.runCtx)

	peer, rt := c.peer, c.rt
	_, err = c.loop.Await(ctx, func(resolve ordering.Resolver) {
		peer.Hydrate(b, func() {
			c.resetHeartbeat()
			resolve(nil, nil)
		})
		if err := program(rt); err != nil {
			logger.Error("program failed", "error", err)
		}
		peer.Start()
	})
	if err != nil {
		c.shutdown()
		return nil, fmt.Errorf("failed to start client for session %s: %w", b.SessionID, err)
	}
	logger.Info("client attached")
	return c, nil
}

func fetchBootstrap(ctx context.Context, httpClient *http.Client, pageURL string) (protocol.BootstrapData, error) {
	var b protocol.BootstrapData
	u, err := url.Parse(pageURL)
	if err != nil {
		return b, fmt.Errorf("invalid session url %q: %w", pageURL, err)
	}
	q := u.Query()
	q.Set("bootstrap", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return b, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return b, fmt.Errorf("failed to fetch bootstrap: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return b, fmt.Errorf("failed to read bootstrap: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return b, fmt.Errorf("host refused client: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, &b); err != nil {
		return b, fmt.Errorf("failed to decode bootstrap: %w", err)
	}
	return b, nil
}

// SessionID identifies the session the client is attached to
func (c *Client) SessionID() string {
	return c.sessionID
}

// Runtime is the program's view of the session. Use Do to touch it from
// outside program callbacks.
func (c *Client) Runtime() *sandbox.Runtime {
	return c.rt
}

// Do runs fn on the client's loop and waits for it
func (c *Client) Do(ctx context.Context, fn func(rt *sandbox.Runtime)) error {
	_, err := c.loop.Call(ctx, func() (any, error) {
		fn(c.rt)
		return nil, nil
	})
	return err
}

// Connected reports whether messages currently travel over a socket
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// Done is closed once the client has disconnected
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the transport failure that disconnected the client, if any
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Reload returns the reload the host requested, if any
func (c *Client) Reload() protocol.ReloadType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reload
}

// Disconnect ends the session from the client side. Pending channels are
// aborted and the host is told to destroy the session; it does not wait
// for the host to answer.
func (c *Client) Disconnect(ctx context.Context) error {
	select {
	case <-c.loop.Done():
		return nil
	default:
	}
	_, err := c.loop.Call(ctx, func() (any, error) {
		if c.peer.Dead() {
			return nil, nil
		}
		c.sendDestroy()
		c.peer.Disconnect()
		return nil, nil
	})
	return err
}

// Close disconnects and stops the client
func (c *Client) Close(ctx context.Context) error {
	err := c.Disconnect(ctx)
	c.shutdown()
	return err
}

func (c *Client) shutdown() {
	c.transport.Close()
	c.loop.Stop()
	c.stopRun()
	c.finish()
}

func (c *Client) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

// receive runs on the loop for every message from the session
func (c *Client) receive(msg protocol.Message) {
	if c.peer.Dead() {
		return
	}
	c.resetHeartbeat()
	if msg.Reload != protocol.ReloadNone {
		c.mu.Lock()
		c.reload = msg.Reload
		c.mu.Unlock()
	}
	c.closing = msg.Close
	c.peer.ReceiveMessage(msg)
}

// synchronize runs on the loop when the peer has something to deliver. It
// also keeps a request outstanding while the session may push events and no
// socket is open, and answers a close so the second one can arrive.
func (c *Client) synchronize() {
	if c.peer.Dead() {
		return
	}
	persistent := c.alwaysConnected || c.peer.Channels().OpenRemoteCount() > 0
	c.transport.SetPersistent(persistent)
	connected := c.transport.Connected()
	c.peer.SetPersistent(persistent && connected)

	if !c.peer.HasQueued() {
		poll := persistent && !connected && !c.transport.Posting()
		if !poll && !(c.closing && !connected) {
			return
		}
	}
	c.closing = false
	c.send(c.peer.ProduceMessage())
}

func (c *Client) send(msg protocol.Message) {
	c.logger.Debug("sending message", "message_id", msg.MessageID, "events", len(msg.Events))
	c.resetHeartbeat()
	c.transport.Send(msg)
}

// resetHeartbeat restarts the heartbeat timer. Runs on the loop.
func (c *Client) resetHeartbeat() {
	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}
	if c.peer.Dead() {
		return
	}
	c.heartbeat = time.AfterFunc(c.cfg.HeartbeatInterval, func() {
		c.loop.Post(c.beat)
	})
}

func (c *Client) beat() {
	if c.peer.Dead() {
		return
	}
	if c.peer.HasLocalChannels() || c.peer.Channels().OpenRemoteCount() > 0 {
		c.send(c.peer.ProduceMessage())
		return
	}
	c.resetHeartbeat()
}

func (c *Client) transportFailed(err error) {
	if errors.Is(err, ErrSocketLost) {
		c.logger.Warn("socket lost, continuing with requests", "error", err)
		c.loop.Post(c.synchronize)
		return
	}
	c.logger.Error("transport failed", "error", err)
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.loop.Post(c.peer.Disconnect)
}

// onDisconnect runs on the loop once the peer dies. Unless the host ended
// the session it is told to destroy it.
func (c *Client) onDisconnect() {
	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}
	if !c.peer.EndedByServer() {
		c.sendDestroy()
	}
	c.transport.Close()
	c.logger.Info("client disconnected")
	c.finish()
}

// sendDestroy asks the host to end the session at most once. Runs on the loop.
func (c *Client) sendDestroy() {
	if c.destroySent {
		return
	}
	c.destroySent = true
	c.transport.Destroy(c.peer.ProduceMessage())
}

func (c *Client) onReload(reload protocol.ReloadType) {
	if c.cfg.OnReload != nil {
		c.cfg.OnReload(reload)
	}
}
