// Package ordering keeps both halves of a session in agreement about the
// order in which channel events happen.
//
// A Peer is one side of a session. Its channel table, message counters and
// queues are fields of the Peer and are only touched from tasks on its Loop.
package ordering

import (
	"errors"
	"log/slog"

	"github.com/AltairaLabs/mobius/internal/channel"
	"github.com/AltairaLabs/mobius/internal/protocol"
	"github.com/AltairaLabs/mobius/internal/schema"
)

// Role says which side of the session a peer plays
type Role int

const (
	// RoleClient is the initiating side
	RoleClient Role = iota
	// RoleServer is the controlling side
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

var (
	// ErrDisconnected is returned by calls that need the peer after it died
	ErrDisconnected = errors.New("disconnected")
	// ErrNotInsideCallback is returned when a remote channel is opened outside a callback
	ErrNotInsideCallback = errors.New("unable to open a remote channel in this context")
)

// maxQueuedBeforeFlush forces a flush of batched events once this many are queued
const maxQueuedBeforeFlush = 9

// Options configures a Peer
type Options struct {
	Role     Role
	ClientID int
	// ClientOrdersAllEvents makes the client authoritative for every event
	// until sharing is turned on
	ClientOrdersAllEvents bool
	Validators            *schema.Registry
	Logger                *slog.Logger
	// OnSynchronize runs on the loop when queued events should be delivered
	OnSynchronize func()
	// OnDisconnect runs once on the loop when the peer dies
	OnDisconnect func()
	// OnReload receives reload requests from the server
	OnReload func(protocol.ReloadType)
	// ShareURL produces the share address on the server side
	ShareURL func() (string, error)
}

type source int

const (
	fromLocal source = iota
	fromWire
	fromReplay
)

// Peer is one side of a session
type Peer struct {
	loop       *Loop
	opts       Options
	logger     *slog.Logger
	channels   *channel.Registry
	validators *schema.Registry

	outgoingMessageID int
	sequencer         *Sequencer
	inbox             []protocol.Message
	processing        bool
	closeCount        int
	willSynchronize   bool

	currentEvents        protocol.Stream
	replaying            bool
	processingWire       bool
	history              protocol.Stream
	bootstrapping        map[int]bool
	serverHadOpenChannel bool
	sentStatus           *bool

	dispatchDepth  int
	apiDepth       int
	insideCallback bool
	idleCallbacks  []func()
	drainPosted    bool

	queued         protocol.Stream
	fenced         []protocol.Event
	totalBatched   int
	isBatched      map[int]bool
	pendingBatched []func()

	persistent    bool
	dead          bool
	endedByServer bool
}

// NewPeer creates a peer in its initial callback scope. Program code that
// runs before Start may open channels.
func NewPeer(loop *Loop, opts Options) *Peer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	validators := opts.Validators
	if validators == nil {
		validators = schema.NewRegistry()
	}
	p := &Peer{
		loop:           loop,
		opts:           opts,
		logger:         logger.With("role", opts.Role.String()),
		channels:       channel.NewRegistry(),
		validators:     validators,
		sequencer:      NewSequencer(0),
		isBatched:      make(map[int]bool),
		dispatchDepth:  1,
		insideCallback: true,
	}
	return p
}

// Start ends the initial callback scope
func (p *Peer) Start() {
	p.loop.Post(p.didExitCallback)
}

// Role reports which side of the session this peer plays
func (p *Peer) Role() Role {
	return p.opts.Role
}

// Channels exposes the channel table
func (p *Peer) Channels() *channel.Registry {
	return p.channels
}

// Dead reports whether the peer disconnected
func (p *Peer) Dead() bool {
	return p.dead
}

// EndedByServer reports whether the peer died because the server closed
// the session or asked for a reload
func (p *Peer) EndedByServer() bool {
	return p.endedByServer
}

// HasLocalChannels reports whether this side still owes the peer events
func (p *Peer) HasLocalChannels() bool {
	return p.channels.LocalCount() > 0
}

// HasQueued reports whether events are waiting to be sent
func (p *Peer) HasQueued() bool {
	return len(p.queued) > 0
}

// SetPersistent tells the peer a socket is open so events go out eagerly
func (p *Peer) SetPersistent(open bool) {
	p.persistent = open
}

// ClientOrdersAllEvents reports the current authority setting
func (p *Peer) ClientOrdersAllEvents() bool {
	return p.opts.ClientOrdersAllEvents
}

// History returns a copy of every event dispatched so far
func (p *Peer) History() protocol.Stream {
	out := make(protocol.Stream, len(p.history))
	copy(out, p.history)
	return out
}

// IncomingMessageID is the id expected on the next incoming message
func (p *Peer) IncomingMessageID() int {
	return p.sequencer.Next()
}

// OutgoingMessageID is the id the next produced message will carry
func (p *Peer) OutgoingMessageID() int {
	return p.outgoingMessageID
}

func (p *Peer) logOrdering(side, action string, id int) {
	p.logger.Debug("ordering", "side", side, "action", action, "channel_id", id)
}

func (p *Peer) localAuthoritative() bool {
	return p.opts.Role == RoleServer || p.opts.ClientOrdersAllEvents
}

func (p *Peer) shouldImplementLocalChannel(id int) bool {
	return p.bootstrapping == nil || p.bootstrapping[id]
}

func (p *Peer) validate(key string, value any) error {
	if key == "" {
		return nil
	}
	return p.validators.Validate(key, value)
}
