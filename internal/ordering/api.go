package ordering

import (
	"github.com/AltairaLabs/mobius/internal/channel"
	"github.com/AltairaLabs/mobius/internal/codec"
	"github.com/AltairaLabs/mobius/internal/protocol"
)

// openRemote registers a channel the peer will fulfil. Only program code
// running inside a callback may open one, so both sides assign the same id.
func (p *Peer) openRemote(cb channel.Callback) (*channel.Channel, error) {
	if !p.insideCallback {
		return nil, ErrNotInsideCallback
	}
	var ch *channel.Channel
	ch = p.channels.OpenRemote(func(ev protocol.Event) {
		p.logOrdering("remote", "message", ch.ID)
		p.willEnterCallback()
		cb(ev)
	})
	p.logOrdering("remote", "open", ch.ID)
	p.scheduleSynchronize()
	return ch, nil
}

func (p *Peer) resolveFallback(fallback func() (any, error), resolve Resolver) {
	if fallback == nil {
		resolve(nil, ErrDisconnected)
		return
	}
	var (
		v   any
		err error
	)
	p.runAPI(func() { v, err = fallback() })
	resolve(v, err)
}

// RemotePromise asks the peer for a single value. When the peer is gone the
// fallback supplies the value instead; without one the call fails with
// ErrDisconnected. A value rejected by the validator disconnects the peer.
func (p *Peer) RemotePromise(fallback func() (any, error), validatorKey string, resolve Resolver) {
	if p.dead {
		p.resolveFallback(fallback, resolve)
		return
	}
	var ch *channel.Channel
	ch, err := p.openRemote(func(ev protocol.Event) {
		ch.Close()
		if ev == nil {
			p.resolveFallback(fallback, resolve)
			return
		}
		v, err := codec.DecodeEvent(ev)
		if err == nil {
			if verr := p.validate(validatorKey, v); verr != nil {
				p.logger.Warn("rejected value from peer", "channel_id", ch.ID, "error", verr)
				p.Disconnect()
				resolve(nil, verr)
				return
			}
		}
		resolve(v, err)
	})
	if err != nil {
		resolve(nil, err)
	}
}

// LocalPromise computes a single value on this side and ships it to the peer.
// ask receives a completion that may be called from any goroutine. While
// replaying, channels the peer already answered are not asked again.
func (p *Peer) LocalPromise(ask func(complete Resolver), batched bool, resolve Resolver) {
	if !p.insideCallback {
		p.runAPI(func() { ask(p.completion(resolve)) })
		return
	}
	var ch *channel.Channel
	ch = p.channels.OpenLocal(func(ev protocol.Event) {
		ch.Close()
		p.willEnterCallback()
		resolve(codec.DecodeEvent(ev))
	}, nil)
	id := ch.ID
	p.logOrdering("local", "open", id)
	if !p.shouldImplementLocalChannel(id) {
		return
	}
	p.idle(false, func() {
		p.runAPI(func() {
			ask(p.completion(func(v any, err error) {
				var ev protocol.Event
				if err == nil {
					ev, err = codec.EncodeValue(id, v)
				}
				if err != nil {
					ev = codec.EncodeError(id, err)
				}
				p.sendEvent(ev, batched, false)
			}))
		})
	})
}

// RemoteChannel opens a channel the peer pushes values into. onAbort runs if
// the peer disconnects first.
func (p *Peer) RemoteChannel(callback func(args []any), onAbort func(), validatorKey string) (*channel.Channel, error) {
	if p.dead {
		return nil, ErrDisconnected
	}
	var ch *channel.Channel
	ch, err := p.openRemote(func(ev protocol.Event) {
		if ev == nil {
			ch.Close()
			if onAbort != nil {
				onAbort()
			}
			return
		}
		args := ev.Payload()
		if verr := p.validate(validatorKey, args); verr != nil {
			p.logger.Warn("rejected event from peer", "channel_id", ch.ID, "error", verr)
			ch.Close()
			p.Disconnect()
			return
		}
		callback(args)
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// LocalChannel opens a channel this side pushes values into. onOpen receives
// the send function and returns state handed to onClose. Outside a callback
// the channel stays local and never reaches the peer.
func (p *Peer) LocalChannel(callback func(args []any), onOpen func(send func(args ...any)) any, onClose func(state any), batched bool) *channel.Channel {
	var state any
	closeFn := func() {
		if onClose != nil {
			p.runAPI(func() { onClose(state) })
		}
	}

	if !p.insideCallback {
		ch := channel.NewDetached(closeFn)
		p.runAPI(func() {
			state = onOpen(func(args ...any) {
				p.loop.Post(func() {
					if ch.Closed() {
						return
					}
					normalized, err := codec.Normalize(args)
					if err != nil {
						p.logger.Warn("dropping local event", "error", err)
						return
					}
					callback(normalized.([]any))
				})
			})
		})
		return ch
	}

	var ch *channel.Channel
	ch = p.channels.OpenLocal(func(ev protocol.Event) {
		p.willEnterCallback()
		callback(ev.Payload())
	}, closeFn)
	id := ch.ID
	p.logOrdering("local", "open", id)
	if !p.shouldImplementLocalChannel(id) {
		return ch
	}

	send := func(args ...any) {
		p.loop.Post(func() {
			if ch.Closed() {
				return
			}
			normalized, err := codec.Normalize(args)
			if err != nil {
				p.logger.Warn("dropping local event", "channel_id", id, "error", err)
				return
			}
			ev := append(protocol.Event{id}, normalized.([]any)...)
			p.idle(false, func() {
				p.sendEvent(ev, batched, false)
			})
		})
	}
	p.runAPI(func() { state = onOpen(send) })
	return ch
}

// CoordinateValue produces a value both sides agree on, such as a random
// number or the current time. Whichever side is authoritative computes it
// and ships it; the other side takes it from the events being processed. If
// the expected value is missing the mismatch is logged and the value is
// recomputed locally.
func (p *Peer) CoordinateValue(generator func() (any, error), validatorKey string) (any, error) {
	if p.dispatchDepth == 0 || p.dead {
		v, err := generator()
		if err != nil {
			return nil, err
		}
		return codec.RoundTrip(v)
	}
	if p.replaying {
		if v, ok, err := p.coordinateFromReplay(validatorKey); ok {
			return v, err
		}
	}

	if p.peerGenerates() {
		id := p.channels.ReserveRemote()
		if ev, ok := p.findCurrent(id); ok {
			return p.decodeCoordinated(ev, validatorKey)
		}
		p.logger.Warn("coordinated value missing from peer, recomputing locally", "channel_id", id)
		v, err := generator()
		if err != nil {
			return nil, err
		}
		return codec.RoundTrip(v)
	}

	id := p.channels.ReserveLocal()
	if ev, ok := p.findCurrent(-id); ok {
		return p.decodeCoordinated(ev, validatorKey)
	}
	v, err := generator()
	var ev protocol.Event
	if err == nil {
		ev, err = codec.EncodeValue(id, v)
	}
	if err != nil {
		ev = codec.EncodeError(id, err)
	}
	p.sendEvent(ev, true, true)
	return codec.DecodeEvent(ev)
}

func (p *Peer) peerGenerates() bool {
	serverGenerates := p.serverHadOpenChannel && !p.opts.ClientOrdersAllEvents
	if p.opts.Role == RoleClient {
		return serverGenerates
	}
	return p.processingWire && !serverGenerates
}

// coordinateFromReplay picks whichever counter's next id shows up first in
// the recorded events
func (p *Peer) coordinateFromReplay(validatorKey string) (any, bool, error) {
	local, remote := p.channels.Counters()
	for _, item := range p.currentEvents {
		ev, ok := item.(protocol.Event)
		if !ok {
			continue
		}
		switch ev.ChannelID() {
		case -(local + 1):
			p.channels.ReserveLocal()
			v, err := p.decodeCoordinated(ev, validatorKey)
			return v, true, err
		case remote + 1:
			p.channels.ReserveRemote()
			v, err := p.decodeCoordinated(ev, validatorKey)
			return v, true, err
		}
	}
	return nil, false, nil
}

func (p *Peer) findCurrent(id int) (protocol.Event, bool) {
	for _, item := range p.currentEvents {
		ev, ok := item.(protocol.Event)
		if !ok {
			continue
		}
		got := ev.ChannelID()
		if got == id || (p.opts.Role == RoleServer && id > 0 && got == -id) {
			return ev, true
		}
	}
	return nil, false
}

func (p *Peer) decodeCoordinated(ev protocol.Event, validatorKey string) (any, error) {
	v, err := codec.DecodeEvent(ev)
	if err != nil {
		return nil, err
	}
	if verr := p.validate(validatorKey, v); verr != nil {
		p.Disconnect()
		return nil, verr
	}
	return v, nil
}

// Flush asks for queued events to be sent now
func (p *Peer) Flush() error {
	if p.dead {
		return ErrDisconnected
	}
	p.scheduleSynchronize()
	return nil
}

// Synchronize resolves once the peer has answered a round trip
func (p *Peer) Synchronize(resolve Resolver) {
	p.RemotePromise(nil, "", resolve)
}

// Share turns on peer sharing and resolves with the share URL. The client
// stops ordering every event itself and both sides keep a channel open so
// the session stays connected.
func (p *Peer) Share(resolve func(url string, err error)) {
	complete := func(v any, err error) {
		if err != nil {
			resolve("", err)
			return
		}
		p.opts.ClientOrdersAllEvents = false
		p.keepAlive()
		url, _ := v.(string)
		resolve(url, nil)
	}

	if p.opts.Role == RoleClient {
		p.RemotePromise(nil, "string", complete)
		return
	}
	p.LocalPromise(func(done Resolver) {
		if p.opts.ShareURL == nil {
			done(nil, ErrDisconnected)
			return
		}
		done(p.opts.ShareURL())
	}, false, complete)
}

func (p *Peer) keepAlive() {
	if p.opts.Role == RoleClient {
		if _, err := p.RemoteChannel(func([]any) {}, nil, ""); err != nil {
			p.logger.Debug("keep-alive channel not opened", "error", err)
		}
		return
	}
	p.LocalChannel(func([]any) {}, func(func(...any)) any { return nil }, nil, false)
}
