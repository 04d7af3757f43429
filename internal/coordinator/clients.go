package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AltairaLabs/mobius/internal/observability"
	"github.com/AltairaLabs/mobius/internal/ordering"
	"github.com/AltairaLabs/mobius/internal/protocol"
)

// ErrMultipleClients is returned when a second client joins a session that
// has not enabled sharing
var ErrMultipleClients = errors.New("multiple clients not supported")

const socketWriteTimeout = 10 * time.Second

// InProcessClients is the set of physical clients attached to one session.
// It is the host a session sandbox talks to.
type InProcessClients struct {
	sessionID string
	baseURL   string
	logger    *slog.Logger

	mu          sync.Mutex
	clients     map[int]*Client
	nextID      int
	sharing     bool
	destroyed   bool
	onDestroyed func()
}

// NewInProcessClients creates an empty client set for a session
func NewInProcessClients(sessionID, baseURL string, logger *slog.Logger) *InProcessClients {
	if logger == nil {
		logger = slog.Default()
	}
	return &InProcessClients{
		sessionID: sessionID,
		baseURL:   baseURL,
		logger:    logger.With("session_id", sessionID),
		clients:   make(map[int]*Client),
	}
}

// NewClient attaches a physical client. Ids are handed out in join order
// even when the join is refused.
func (ic *InProcessClients) NewClient() (*Client, error) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.destroyed {
		return nil, ErrSessionNotFound
	}
	id := ic.nextID
	ic.nextID++
	if id != 0 && !ic.sharing {
		return nil, ErrMultipleClients
	}
	c := newClient(id, ic.logger)
	ic.clients[id] = c
	observability.RecordClientAttached(1)
	return c, nil
}

// GetClient returns an attached client
func (ic *InProcessClients) GetClient(id int) (*Client, bool) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	c, ok := ic.clients[id]
	return c, ok
}

// Count returns the number of attached clients
func (ic *InProcessClients) Count() int {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return len(ic.clients)
}

// IDs returns the attached client ids in join order
func (ic *InProcessClients) IDs() []int {
	ic.mu.Lock()
	ids := make([]int, 0, len(ic.clients))
	for id := range ic.clients {
		ids = append(ids, id)
	}
	ic.mu.Unlock()
	sort.Ints(ids)
	return ids
}

// Sharing reports whether more clients may join
func (ic *InProcessClients) Sharing() bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.sharing
}

// Detach removes a client
func (ic *InProcessClients) Detach(id int) {
	ic.mu.Lock()
	c, ok := ic.clients[id]
	delete(ic.clients, id)
	ic.mu.Unlock()
	if ok {
		c.dropSocket()
		observability.RecordClientAttached(-1)
	}
}

// DetachIdle removes clients last heard from before cutoff
func (ic *InProcessClients) DetachIdle(cutoff time.Time) int {
	detached := 0
	for _, c := range ic.snapshot() {
		if c.LastSeen().Before(cutoff) {
			ic.Detach(c.ID())
			detached++
		}
	}
	return detached
}

func (ic *InProcessClients) snapshot() []*Client {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	out := make([]*Client, 0, len(ic.clients))
	for _, c := range ic.clients {
		out = append(out, c)
	}
	return out
}

// SynchronizeChannels delivers queued events to every client now
func (ic *InProcessClients) SynchronizeChannels(ctx context.Context) error {
	for _, c := range ic.snapshot() {
		c.synchronize()
	}
	return nil
}

// ScheduleSynchronize delivers queued events to every client soon
func (ic *InProcessClients) ScheduleSynchronize(ctx context.Context) error {
	for _, c := range ic.snapshot() {
		go c.synchronize()
	}
	return nil
}

// SessionWasDestroyed closes every client. Clients stay attached so that
// pollers still receive their close messages; the reaper forgets them.
func (ic *InProcessClients) SessionWasDestroyed(ctx context.Context) error {
	for _, c := range ic.snapshot() {
		c.close()
	}
	ic.mu.Lock()
	ic.destroyed = true
	onDestroyed := ic.onDestroyed
	ic.onDestroyed = nil
	ic.mu.Unlock()
	if onDestroyed != nil {
		onDestroyed()
	}
	return nil
}

// SendEvent queues an event or open-channel marker for every client
func (ic *InProcessClients) SendEvent(ctx context.Context, item any) error {
	switch item.(type) {
	case bool, protocol.Event:
	default:
		return fmt.Errorf("unexpected event item %T", item)
	}
	for _, c := range ic.snapshot() {
		c.enqueue(item)
	}
	return nil
}

// SetCookie queues a cookie for every client's next HTTP response
func (ic *InProcessClients) SetCookie(ctx context.Context, key, value string) error {
	for _, c := range ic.snapshot() {
		c.setCookie(key, value)
	}
	return nil
}

// GetBaseURL returns the address the session was first requested at
func (ic *InProcessClients) GetBaseURL(ctx context.Context) (string, error) {
	return ic.baseURL, nil
}

// ClientCount returns the number of attached clients
func (ic *InProcessClients) ClientCount(ctx context.Context) (int, error) {
	return ic.Count(), nil
}

// EnableSharing lets further clients join
func (ic *InProcessClients) EnableSharing(ctx context.Context) error {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.sharing = true
	return nil
}

// Client is one physical connection to a session. Messages from it pass
// through its sequencer; messages to it are numbered from outgoingID.
type Client struct {
	id     int
	logger *slog.Logger

	// recvMu serializes incoming messages and guards sequencer
	recvMu    sync.Mutex
	sequencer *ordering.Sequencer

	mu           sync.Mutex
	queue        protocol.Stream
	outgoingID   int
	cookies      map[string]string
	socket       *websocket.Conn
	lastSocketID int
	closing      bool
	lastSeen     time.Time
	notify       chan struct{}
}

// newClient creates a client that has not exchanged any message yet
func newClient(id int, logger *slog.Logger) *Client {
	return &Client{
		id:        id,
		logger:    logger.With("client_id", id),
		sequencer: ordering.NewSequencer(0),
		cookies:   make(map[string]string),
		lastSeen:  time.Now(),
		notify:    make(chan struct{}, 1),
	}
}

// ID returns the client id within its session
func (c *Client) ID() int {
	return c.id
}

// LastSeen returns when the client last sent a message
func (c *Client) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Rendered records that the client was handed a rendered page or bootstrap
// state, which counts as message 0 in both directions
func (c *Client) Rendered() {
	c.recvMu.Lock()
	if c.sequencer.Next() == 0 {
		c.sequencer = ordering.NewSequencer(1)
	}
	c.recvMu.Unlock()

	c.mu.Lock()
	if c.outgoingID == 0 {
		c.outgoingID = 1
	}
	c.mu.Unlock()
}

// IncomingMessageID returns the id the client's next message must carry
func (c *Client) IncomingMessageID() int {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	return c.sequencer.Next()
}

// Receive applies a message from the client to its session in id order.
// Messages ahead of a gap are held until the gap closes.
func (c *Client) Receive(ctx context.Context, session Session, msg protocol.Message, noScript bool) error {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()

	for _, ready := range c.sequencer.Accept(msg) {
		if ready.Destroy {
			c.logger.Debug("client asked to destroy session", "message_id", ready.MessageID)
			if err := session.Destroy(ctx); err != nil {
				return err
			}
			continue
		}
		if err := session.ProcessEvents(ctx, ready.Events, noScript); err != nil {
			return fmt.Errorf("message %d: %w", ready.MessageID, err)
		}
	}
	return nil
}

func (c *Client) enqueue(item any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return
	}
	c.queue = append(c.queue, item)
}

func (c *Client) setCookie(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cookies[key] = value
}

// TakeCookies returns and clears the cookies waiting for an HTTP response
func (c *Client) TakeCookies() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.cookies) == 0 {
		return nil
	}
	out := c.cookies
	c.cookies = make(map[string]string)
	return out
}

// Pending reports whether a message is ready for the client
func (c *Client) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) > 0 || c.closing
}

// Closing reports whether the session behind the client is gone
func (c *Client) Closing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// Produce packages the queued events into the next outgoing message
func (c *Client) Produce() protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.produceLocked()
}

func (c *Client) produceLocked() protocol.Message {
	events := c.queue
	if events == nil {
		events = protocol.Stream{}
	}
	msg := protocol.Message{
		MessageID: c.outgoingID,
		Events:    events,
		Close:     c.closing,
	}
	c.outgoingID++
	c.queue = nil
	return msg
}

// unproduceLocked puts back a message that could not be written
func (c *Client) unproduceLocked(msg protocol.Message) {
	c.outgoingID = msg.MessageID
	c.queue = append(msg.Events, c.queue...)
}

// Wait blocks until a message is ready, timeout passes or ctx ends
func (c *Client) Wait(ctx context.Context, timeout time.Duration) {
	if c.Pending() {
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.notify:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// synchronize pushes queued events over the socket, or wakes a waiting poll
func (c *Client) synchronize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socket != nil && len(c.queue) > 0 {
		msg := c.produceLocked()
		if err := c.writeLocked(msg); err != nil {
			c.logger.Warn("socket write failed, falling back to polling", "error", err)
			c.unproduceLocked(msg)
			c.closeSocketLocked()
		} else {
			return
		}
	}
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// AttachSocket makes conn the client's persistent connection, replacing
// any previous one
func (c *Client) AttachSocket(conn *websocket.Conn) {
	c.mu.Lock()
	c.closeSocketLocked()
	c.socket = conn
	// the first message on a socket always carries its id
	c.lastSocketID = -2
	c.mu.Unlock()
	c.synchronize()
}

// DetachSocket forgets conn if it is still the client's socket
func (c *Client) DetachSocket(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socket == conn {
		c.socket = nil
	}
}

// HasSocket reports whether the client is connected by socket
func (c *Client) HasSocket() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socket != nil
}

func (c *Client) dropSocket() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeSocketLocked()
}

func (c *Client) closeSocketLocked() {
	if c.socket == nil {
		return
	}
	_ = c.socket.Close()
	c.socket = nil
}

// writeLocked sends msg on the socket. The id is omitted when it follows
// the previous socket message.
func (c *Client) writeLocked(msg protocol.Message) error {
	var (
		text string
		err  error
	)
	if msg.MessageID == c.lastSocketID+1 {
		text, err = protocol.SerializeMessageOmittingID(msg)
	} else {
		text, err = protocol.SerializeMessage(msg)
	}
	if err != nil {
		return err
	}
	if err := c.socket.SetWriteDeadline(time.Now().Add(socketWriteTimeout)); err != nil {
		return err
	}
	if err := c.socket.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return err
	}
	c.lastSocketID = msg.MessageID
	observability.RecordMessage("out", "socket")
	return nil
}

// close tells the client its session is gone. Socket clients receive the
// two close messages right away; pollers receive one per request.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return
	}
	c.closing = true
	if c.socket != nil {
		for i := 0; i < 2; i++ {
			if err := c.writeLocked(c.produceLocked()); err != nil {
				c.logger.Debug("failed to send close", "error", err)
				break
			}
		}
		c.closeSocketLocked()
	}
	select {
	case c.notify <- struct{}{}:
	default:
	}
}
