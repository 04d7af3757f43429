package bridge

import (
	"context"
	"math"
	"sync"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/AltairaLabs/mobius/internal/codec"
	"github.com/AltairaLabs/mobius/internal/protocol"
)

type result struct {
	value any
	err   error
}

// Pending correlates commands with their responses. Calls whose response
// never arrives stay pending until their context ends.
type Pending struct {
	mu      sync.Mutex
	next    int
	waiting map[int]chan result
}

// NewPending creates an empty correlation table
func NewPending() *Pending {
	return &Pending{waiting: make(map[int]chan result)}
}

func (p *Pending) register() (int, chan result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		p.next++
		if p.next > math.MaxInt32 {
			p.next = 1
		}
		if _, taken := p.waiting[p.next]; !taken {
			break
		}
	}
	ch := make(chan result, 1)
	p.waiting[p.next] = ch
	return p.next, ch
}

func (p *Pending) forget(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.waiting, id)
}

// Len returns the number of calls awaiting a response
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiting)
}

// Resolve completes the call a response belongs to. Late responses for
// calls that gave up are ignored.
func (p *Pending) Resolve(ev protocol.Event) bool {
	id := ev.ChannelID()
	p.mu.Lock()
	ch, ok := p.waiting[id]
	delete(p.waiting, id)
	p.mu.Unlock()
	if !ok {
		return false
	}
	v, err := codec.DecodeEvent(ev)
	ch <- result{value: v, err: err}
	return true
}

// Call sends cmd with a fresh correlation id and waits for the response
func (p *Pending) Call(ctx context.Context, send func(*structpb.ListValue) error, cmd Command) (any, error) {
	id, ch := p.register()
	cmd.CorrelationID = id
	frame, err := EncodeCommand(cmd)
	if err != nil {
		p.forget(id)
		return nil, err
	}
	if err := send(frame); err != nil {
		p.forget(id)
		return nil, err
	}
	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		p.forget(id)
		return nil, ctx.Err()
	}
}

// Notify sends cmd without expecting a response
func Notify(send func(*structpb.ListValue) error, cmd Command) error {
	cmd.CorrelationID = 0
	frame, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}
	return send(frame)
}
