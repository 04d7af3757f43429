// Package channel keeps the table of open channels for one peer.
//
// Ids are handed out from two counters, one per direction, and never reused.
// Local ids belong to channels this side fulfils; remote ids belong to
// channels the peer fulfils. A Registry is owned by the session loop and is
// not safe for concurrent use.
package channel

import (
	"sort"

	"github.com/AltairaLabs/mobius/internal/protocol"
)

// Kind says which side fulfils a channel
type Kind int

const (
	// Local channels are fulfilled by this side
	Local Kind = iota
	// Remote channels are fulfilled by the peer
	Remote
	// Detached channels are local-only and never reach the wire
	Detached
)

// Callback receives the events delivered on a channel. A nil event on a
// remote channel means the channel was aborted.
type Callback func(ev protocol.Event)

// Channel is a handle to an open channel
type Channel struct {
	ID      int
	Kind    Kind
	reg     *Registry
	closed  bool
	onClose func()
}

// Close closes the channel; closing more than once has no effect
func (c *Channel) Close() {
	if c == nil || c.closed {
		return
	}
	c.closed = true
	if c.reg != nil {
		c.reg.remove(c)
	}
	if c.onClose != nil {
		c.onClose()
	}
}

// Closed reports whether Close has been called
func (c *Channel) Closed() bool {
	return c == nil || c.closed
}

// NewDetached returns a channel that is never registered
func NewDetached(onClose func()) *Channel {
	return &Channel{ID: -1, Kind: Detached, onClose: onClose}
}

// Registry is the arena of open channels keyed by id
type Registry struct {
	localCounter  int
	remoteCounter int
	local         map[int]Callback
	remote        map[int]Callback
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		local:  make(map[int]Callback),
		remote: make(map[int]Callback),
	}
}

// OpenLocal registers a channel this side will fulfil
func (r *Registry) OpenLocal(cb Callback, onClose func()) *Channel {
	id := r.ReserveLocal()
	r.local[id] = cb
	return &Channel{ID: id, Kind: Local, reg: r, onClose: onClose}
}

// OpenRemote registers a channel the peer will fulfil
func (r *Registry) OpenRemote(cb Callback) *Channel {
	id := r.ReserveRemote()
	r.remote[id] = cb
	return &Channel{ID: id, Kind: Remote, reg: r}
}

// ReserveLocal consumes the next local id without registering a callback
func (r *Registry) ReserveLocal() int {
	r.localCounter++
	return r.localCounter
}

// ReserveRemote consumes the next remote id without registering a callback
func (r *Registry) ReserveRemote() int {
	r.remoteCounter++
	return r.remoteCounter
}

// Close closes ch
func (r *Registry) Close(ch *Channel) {
	ch.Close()
}

func (r *Registry) remove(ch *Channel) {
	switch ch.Kind {
	case Local:
		delete(r.local, ch.ID)
	case Remote:
		delete(r.remote, ch.ID)
	}
}

// Local returns the callback of an open local channel
func (r *Registry) Local(id int) (Callback, bool) {
	cb, ok := r.local[id]
	return cb, ok
}

// Remote returns the callback of an open remote channel
func (r *Registry) Remote(id int) (Callback, bool) {
	cb, ok := r.remote[id]
	return cb, ok
}

// LocalIDs returns a sorted snapshot of open local ids
func (r *Registry) LocalIDs() []int {
	return sortedKeys(r.local)
}

// RemoteIDs returns a sorted snapshot of open remote ids
func (r *Registry) RemoteIDs() []int {
	return sortedKeys(r.remote)
}

// LocalCount is the number of open local channels
func (r *Registry) LocalCount() int {
	return len(r.local)
}

// OpenRemoteCount is the number of open remote channels
func (r *Registry) OpenRemoteCount() int {
	return len(r.remote)
}

// Counters returns the last local and remote ids handed out
func (r *Registry) Counters() (local, remote int) {
	return r.localCounter, r.remoteCounter
}

func sortedKeys(m map[int]Callback) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
