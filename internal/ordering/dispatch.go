package ordering

import (
	"github.com/AltairaLabs/mobius/internal/protocol"
)

// idle runs fn once no callback is dispatching. prioritize puts fn ahead of
// work that is already waiting.
func (p *Peer) idle(prioritize bool, fn func()) {
	if p.dispatchDepth == 0 && len(p.idleCallbacks) == 0 {
		fn()
		return
	}
	if prioritize {
		p.idleCallbacks = append([]func(){fn}, p.idleCallbacks...)
	} else {
		p.idleCallbacks = append(p.idleCallbacks, fn)
	}
	if p.dispatchDepth == 0 && !p.drainPosted {
		p.drainPosted = true
		p.loop.Post(func() {
			p.drainPosted = false
			p.updateInsideCallback()
		})
	}
}

func (p *Peer) willEnterCallback() {
	p.dispatchDepth++
	p.insideCallback = true
	p.loop.Post(p.didExitCallback)
}

func (p *Peer) didExitCallback() {
	p.dispatchDepth--
	p.updateInsideCallback()
}

func (p *Peer) updateInsideCallback() {
	p.insideCallback = p.dispatchDepth != 0 && p.apiDepth == 0
	if p.dispatchDepth != 0 || len(p.idleCallbacks) == 0 {
		return
	}
	next := p.idleCallbacks[0]
	p.idleCallbacks = p.idleCallbacks[1:]
	if len(p.idleCallbacks) > 0 && !p.drainPosted {
		p.drainPosted = true
		p.loop.Post(func() {
			p.drainPosted = false
			p.updateInsideCallback()
		})
	}
	next()
}

// runAPI runs library code that must not be treated as program callback code
func (p *Peer) runAPI(fn func()) {
	p.apiDepth++
	p.insideCallback = false
	defer func() {
		p.apiDepth--
		p.updateInsideCallback()
	}()
	fn()
}

// completion wraps resolve so it may be called from any goroutine, once
func (p *Peer) completion(resolve Resolver) Resolver {
	done := false
	return func(v any, err error) {
		p.loop.Post(func() {
			if done {
				return
			}
			done = true
			resolve(v, err)
		})
	}
}

// ReceiveMessage accepts a message from the server. Messages are applied
// strictly in id order; ids already seen are dropped.
func (p *Peer) ReceiveMessage(msg protocol.Message) {
	if msg.Reload != protocol.ReloadNone {
		p.logger.Info("server requested reload", "reload", msg.Reload.String())
		p.serverEnded()
		if p.opts.OnReload != nil {
			p.opts.OnReload(msg.Reload)
		}
		return
	}
	p.inbox = append(p.inbox, p.sequencer.Accept(msg)...)
	p.drainInbox()
}

func (p *Peer) drainInbox() {
	if p.processing || len(p.inbox) == 0 {
		return
	}
	msg := p.inbox[0]
	p.inbox = p.inbox[1:]
	p.processing = true

	p.processEvents(msg.Events, fromWire, func() {
		p.processing = false
		if msg.Close {
			p.closeCount++
			if p.closeCount >= 2 {
				p.logger.Debug("server closed the session")
				p.serverEnded()
				return
			}
		} else {
			p.closeCount = 0
		}
		p.scheduleSynchronize()
		p.drainInbox()
	})
}

// ProcessEvents applies events received from the peer and calls done once
// every callback they trigger has run
func (p *Peer) ProcessEvents(events protocol.Stream, done func()) {
	p.processEvents(events, fromWire, func() {
		p.scheduleSynchronize()
		if done != nil {
			done()
		}
	})
}

// Replay applies recorded events. channels lists the local channels this side
// must still implement; nil means all of them.
func (p *Peer) Replay(events protocol.Stream, channels []int, done func()) {
	p.currentEvents = events
	p.replaying = true
	if len(events) > 0 {
		if marker, ok := events[0].(bool); ok {
			p.serverHadOpenChannel = marker
		}
	}
	if channels != nil {
		p.bootstrapping = make(map[int]bool, len(channels))
		for _, id := range channels {
			p.bootstrapping[id] = true
		}
	}
	p.processEvents(events, fromReplay, func() {
		p.bootstrapping = nil
		if done != nil {
			done()
		}
	})
}

// Hydrate replays the state a server rendered into a page. The render counts
// as message 0 in both directions.
func (p *Peer) Hydrate(b protocol.BootstrapData, done func()) {
	p.outgoingMessageID++
	p.sequencer = NewSequencer(1)
	p.willSynchronize = true
	if p.opts.ClientID == 0 {
		p.opts.ClientID = b.ClientID
	}
	p.Replay(b.Events, b.Channels, func() {
		p.willSynchronize = false
		p.scheduleSynchronize()
		if done != nil {
			done()
		}
	})
}

func (p *Peer) processEvents(events protocol.Stream, src source, done func()) {
	p.idle(false, func() {
		p.currentEvents = events
		p.replaying = src == fromReplay
		p.processingWire = src == fromWire
		p.serverHadOpenChannel = p.ownsOpenServerChannels()
		p.processAt(events, 0, src, done)
	})
}

func (p *Peer) processAt(events protocol.Stream, i int, src source, done func()) {
	for ; i < len(events); i++ {
		switch item := events[i].(type) {
		case bool:
			if p.opts.Role == RoleClient {
				p.serverHadOpenChannel = item
			}
		case protocol.Event:
			p.processOne(item, src)
			next := i + 1
			p.loop.Post(func() {
				p.idle(true, func() {
					p.processAt(events, next, src, done)
				})
			})
			return
		}
	}
	p.currentEvents = nil
	p.replaying = false
	p.processingWire = false
	p.serverHadOpenChannel = p.ownsOpenServerChannels()
	done()
}

// ownsOpenServerChannels reports whether the server side has channels open,
// as far as this peer can tell from its own table
func (p *Peer) ownsOpenServerChannels() bool {
	if p.opts.Role == RoleServer {
		return p.channels.LocalCount() > 0
	}
	return p.channels.OpenRemoteCount() > 0
}

func (p *Peer) processOne(ev protocol.Event, src source) {
	id := ev.ChannelID()
	switch {
	case src == fromReplay:
		p.dispatch(ev, fromReplay)
	case id == 0:
		return
	case p.opts.Role == RoleServer:
		if id < 0 {
			id = -id
		}
		p.queued = append(p.queued, protocol.Event{-id})
		p.dispatch(ev.WithChannelID(id), fromWire)
	default:
		p.dispatch(ev, fromWire)
	}
}

// dispatch delivers an event. Negative ids address local channels, positive
// ids remote ones.
func (p *Peer) dispatch(ev protocol.Event, src source) {
	id := ev.ChannelID()
	if id < 0 {
		p.dispatchLocal(ev, -id, src)
		return
	}

	p.logOrdering("remote", "dispatch", id)
	p.history = append(p.history, ev)
	if cb, ok := p.channels.Remote(id); ok {
		p.callChannel(cb, ev)
	}
	if p.opts.Role == RoleClient && p.opts.ClientOrdersAllEvents && p.bootstrapping == nil && src == fromWire {
		p.sendEvent(protocol.Event{0}, false, true)
	}
}

func (p *Peer) dispatchLocal(ev protocol.Event, id int, src source) {
	if fenced, ok := p.takeFenced(-id); ok {
		ev = fenced
	} else if src == fromWire {
		p.logOrdering("local", "acknowledged", id)
		return
	}

	p.logOrdering("local", "dispatch", id)
	p.history = append(p.history, ev)
	cb, ok := p.channels.Local(id)

	if !ok {
		p.logOrdering("local", "missing", id)
	}
	if p.totalBatched > 0 && p.isBatched[id] {
		p.totalBatched--
		if ok {
			p.pendingBatched = append(p.pendingBatched, func() { cb(ev) })
		}
		if p.totalBatched == 0 {
			p.releaseBatched()
		}
		return
	}
	if ok {
		p.callChannel(cb, ev)
	}
}

// callChannel delivers ev to cb, or holds it behind an unreleased batch so
// callbacks keep the order the events arrived in
func (p *Peer) callChannel(cb func(protocol.Event), ev protocol.Event) {
	if p.totalBatched > 0 {
		p.pendingBatched = append(p.pendingBatched, func() { cb(ev) })
		return
	}
	cb(ev)
}

func (p *Peer) takeFenced(id int) (protocol.Event, bool) {
	for i, ev := range p.fenced {
		if ev.ChannelID() == id {
			p.fenced = append(p.fenced[:i], p.fenced[i+1:]...)
			return ev, true
		}
	}
	return nil, false
}

func (p *Peer) releaseBatched() {
	actions := p.pendingBatched
	p.pendingBatched = nil
	p.isBatched = make(map[int]bool)
	for _, action := range actions {
		p.loop.Post(action)
	}
}

// sendEvent queues a local event for the peer. While the peer has channels
// open and this side is not authoritative the event is fenced until the
// peer echoes it; otherwise it is applied right away.
func (p *Peer) sendEvent(ev protocol.Event, batched, skipsFencing bool) {
	id := ev.ChannelID()
	if !p.localAuthoritative() && p.channels.OpenRemoteCount() > 0 && !skipsFencing && !p.dead {
		if batched {
			p.isBatched[id] = true
			p.totalBatched++
		}
		fenced := ev.WithChannelID(-id)
		p.logOrdering("local", "fenced", id)
		p.fenced = append(p.fenced, fenced)
		p.queued = append(p.queued, fenced)
	} else {
		if id != 0 {
			p.dispatch(ev.WithChannelID(-id), fromLocal)
		}
		p.queued = append(p.queued, ev)
	}

	if !batched || p.persistent || p.opts.Role == RoleServer || len(p.queued) > maxQueuedBeforeFlush {
		p.scheduleSynchronize()
	}
}

func (p *Peer) scheduleSynchronize() {
	if p.dead || p.willSynchronize {
		return
	}
	p.willSynchronize = true
	p.loop.Post(p.synchronize)
}

func (p *Peer) synchronize() {
	p.willSynchronize = false
	if p.dead {
		return
	}
	if p.opts.OnSynchronize != nil {
		p.opts.OnSynchronize()
	}
}

// TakeQueued removes and returns the events waiting to be sent. A server
// prefixes a marker whenever its open-channel status changed since the last
// call.
func (p *Peer) TakeQueued() protocol.Stream {
	var out protocol.Stream
	if p.opts.Role == RoleServer {
		status := p.channels.LocalCount() > 0
		if p.sentStatus == nil || *p.sentStatus != status {
			out = append(out, status)
			p.sentStatus = &status
		}
	}
	out = append(out, p.queued...)
	p.queued = nil
	return out
}

// ProduceMessage packages the queued events into the next outgoing message
func (p *Peer) ProduceMessage() protocol.Message {
	events := p.TakeQueued()
	if events == nil {
		events = protocol.Stream{}
	}
	msg := protocol.Message{
		MessageID: p.outgoingMessageID,
		Events:    events,
		ClientID:  p.opts.ClientID,
	}
	p.outgoingMessageID++
	return msg
}

// UpdateOpenServerChannelStatus queues a marker telling the client whether
// the server holds open channels
func (p *Peer) UpdateOpenServerChannelStatus(open bool) {
	p.queued = append(p.queued, open)
	p.sentStatus = &open
	p.scheduleSynchronize()
}

// serverEnded disconnects on the server's request
func (p *Peer) serverEnded() {
	if !p.dead {
		p.endedByServer = true
	}
	p.Disconnect()
}

// Disconnect kills the peer. Pending remote channels are aborted and fenced
// events are applied locally in the order they were sent. Calling it again
// has no effect.
func (p *Peer) Disconnect() {
	if p.dead {
		return
	}
	p.dead = true
	p.serverHadOpenChannel = false
	p.logger.Debug("peer disconnected")
	if p.opts.OnDisconnect != nil {
		p.opts.OnDisconnect()
	}

	for _, id := range p.channels.RemoteIDs() {
		if cb, ok := p.channels.Remote(id); ok {
			cb(nil)
		}
	}

	fenced := p.fenced
	batched := p.pendingBatched
	p.fenced = nil
	p.pendingBatched = nil
	p.isBatched = make(map[int]bool)
	p.totalBatched = 0
	for _, action := range batched {
		p.loop.Post(action)
	}
	for _, ev := range fenced {
		ev := ev
		p.loop.Post(func() {
			p.idle(false, func() {
				p.dispatch(ev, fromLocal)
			})
		})
	}
}
