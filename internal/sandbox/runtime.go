package sandbox

import (
	"context"
	"errors"
	"log/slog"

	"github.com/AltairaLabs/mobius/internal/broadcast"
	"github.com/AltairaLabs/mobius/internal/channel"
	"github.com/AltairaLabs/mobius/internal/ordering"
	"github.com/AltairaLabs/mobius/internal/schema"
)

// FieldValidator checks the payload of form field edits
const FieldValidator = "mobius.field"

// ErrServerOnly is returned by effects only the server can perform
var ErrServerOnly = errors.New("only available on the server")

// Runtime is what a program sees of its session. The same program runs on
// both sides; each call maps to the local or remote half of a channel
// depending on which side the runtime belongs to.
type Runtime struct {
	ctx       context.Context
	sessionID string
	peer      *ordering.Peer
	logger    *slog.Logger
	doc       *Document

	// server-only collaborators
	host    Host
	bus     *broadcast.Bus
	fetcher Fetcher
}

// RuntimeOptions carries the collaborators a runtime may use. Host, Bus and
// Fetcher are only set on the server side.
type RuntimeOptions struct {
	SessionID string
	Logger    *slog.Logger
	Host      Host
	Bus       *broadcast.Bus
	Fetcher   Fetcher
}

// NewRuntime binds a runtime to a peer
func NewRuntime(ctx context.Context, peer *ordering.Peer, opts RuntimeOptions) *Runtime {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		ctx:       ctx,
		sessionID: opts.SessionID,
		peer:      peer,
		logger:    logger,
		doc:       newDocument(),
		host:      opts.Host,
		bus:       opts.Bus,
		fetcher:   opts.Fetcher,
	}
}

// DefaultValidators returns a registry with the validators runtimes rely on
func DefaultValidators() *schema.Registry {
	r := schema.NewRegistry()
	r.MustRegister(FieldValidator, schema.Tuple(schema.String))
	return r
}

// IsServer reports whether this runtime is the server half
func (rt *Runtime) IsServer() bool {
	return rt.peer.Role() == ordering.RoleServer
}

// SessionID identifies the session
func (rt *Runtime) SessionID() string {
	return rt.sessionID
}

// Logger is the session logger
func (rt *Runtime) Logger() *slog.Logger {
	return rt.logger
}

// Document is the state rendered for the session
func (rt *Runtime) Document() *Document {
	return rt.doc
}

// ServerPromise computes a value on the server. The client receives it once
// the server sends it.
func (rt *Runtime) ServerPromise(ask func(complete ordering.Resolver), validatorKey string, then ordering.Resolver) {
	if rt.IsServer() {
		rt.peer.LocalPromise(ask, false, then)
		return
	}
	rt.peer.RemotePromise(nil, validatorKey, then)
}

// ClientPromise computes a value on the client. If the client goes away
// before answering, fallback computes it on the server instead.
func (rt *Runtime) ClientPromise(ask func(complete ordering.Resolver), validatorKey string, fallback func() (any, error), then ordering.Resolver) {
	if rt.IsServer() {
		rt.peer.RemotePromise(fallback, validatorKey, then)
		return
	}
	rt.peer.LocalPromise(ask, false, then)
}

// ServerChannel opens a stream of values produced on the server. onOpen runs
// only on the server and receives the send function; its result is handed
// to onClose.
func (rt *Runtime) ServerChannel(callback func(args []any), onOpen func(send func(args ...any)) any, onClose func(state any), validatorKey string) (*channel.Channel, error) {
	if rt.IsServer() {
		return rt.peer.LocalChannel(callback, onOpen, onClose, false), nil
	}
	return rt.peer.RemoteChannel(callback, nil, validatorKey)
}

// ClientChannel opens a stream of values produced on the client, such as
// input events. Batched channels release their events a frame at a time.
func (rt *Runtime) ClientChannel(callback func(args []any), onOpen func(send func(args ...any)) any, onClose func(state any), validatorKey string, batched bool) (*channel.Channel, error) {
	if rt.IsServer() {
		return rt.peer.RemoteChannel(callback, nil, validatorKey)
	}
	return rt.peer.LocalChannel(callback, onOpen, onClose, batched), nil
}

// CoordinateValue returns a value both sides agree on, such as the time or a
// random number
func (rt *Runtime) CoordinateValue(generator func() (any, error), validatorKey string) (any, error) {
	return rt.peer.CoordinateValue(generator, validatorKey)
}

// Share allows more clients to join and reports the address they can use
func (rt *Runtime) Share(then func(url string, err error)) {
	rt.peer.Share(then)
}

// Synchronize resolves once the peer answered a round trip
func (rt *Runtime) Synchronize(then ordering.Resolver) {
	rt.peer.Synchronize(then)
}

// Flush asks for queued events to go out now
func (rt *Runtime) Flush() error {
	return rt.peer.Flush()
}

// Fetch reads a resource on the server and resolves with its contents as a
// string
func (rt *Runtime) Fetch(path string, then ordering.Resolver) {
	rt.ServerPromise(func(complete ordering.Resolver) {
		if rt.fetcher == nil {
			complete(nil, ErrServerOnly)
			return
		}
		go func() {
			data, err := rt.fetcher.Fetch(rt.ctx, path)
			if err != nil {
				complete(nil, err)
				return
			}
			complete(string(data), nil)
		}()
	}, "string", then)
}

// SetCookie sets a cookie on every attached client
func (rt *Runtime) SetCookie(key, value string, then ordering.Resolver) {
	rt.ServerPromise(func(complete ordering.Resolver) {
		if rt.host == nil {
			complete(nil, ErrServerOnly)
			return
		}
		go func() {
			complete(nil, rt.host.SetCookie(rt.ctx, key, value))
		}()
	}, "", then)
}

// Broadcast publishes payload to every session receiving topic
func (rt *Runtime) Broadcast(topic string, payload any, then ordering.Resolver) {
	rt.ServerPromise(func(complete ordering.Resolver) {
		if rt.bus == nil {
			complete(nil, ErrServerOnly)
			return
		}
		go func() {
			complete(nil, rt.bus.Publish(rt.ctx, topic, payload))
		}()
	}, "", then)
}

// Receive subscribes to topic until the returned channel is closed
func (rt *Runtime) Receive(topic string, callback func(payload any)) (*channel.Channel, error) {
	return rt.ServerChannel(func(args []any) {
		if len(args) > 0 {
			callback(args[0])
		} else {
			callback(nil)
		}
	}, func(send func(args ...any)) any {
		if rt.bus == nil {
			return nil
		}
		return rt.bus.Subscribe(topic, func(_ string, payload any) {
			send(payload)
		})
	}, func(state any) {
		if unsubscribe, ok := state.(func()); ok {
			unsubscribe()
		}
	}, "")
}

// Input adds a text field to the document. Edits made on the client reach
// onChange on both sides; without script they arrive as a form postback.
func (rt *Runtime) Input(label, initial string, onChange func(value string)) (*Field, error) {
	f := &Field{label: label, value: initial, onChange: onChange}
	ch, err := rt.ClientChannel(f.apply, func(send func(args ...any)) any {
		f.send = send
		return nil
	}, nil, FieldValidator, true)
	if err != nil {
		return nil, err
	}
	f.name = fieldName(ch.ID)
	rt.doc.addField(f)
	return f, nil
}
