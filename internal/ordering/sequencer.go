package ordering

import (
	"github.com/AltairaLabs/mobius/internal/protocol"
)

// Sequencer releases incoming messages strictly in message id order.
// Messages ahead of the expected id are held until the gap closes; ids that
// were already released are dropped.
type Sequencer struct {
	next     int
	buffered map[int]protocol.Message
}

// NewSequencer expects first as the first message id
func NewSequencer(first int) *Sequencer {
	return &Sequencer{next: first, buffered: make(map[int]protocol.Message)}
}

// Accept takes a message and returns the run of messages now ready, in order
func (s *Sequencer) Accept(msg protocol.Message) []protocol.Message {
	switch {
	case msg.MessageID < s.next:
		return nil
	case msg.MessageID > s.next:
		s.buffered[msg.MessageID] = msg
		return nil
	}

	ready := []protocol.Message{msg}
	s.next++
	for {
		held, ok := s.buffered[s.next]
		if !ok {
			return ready
		}
		delete(s.buffered, s.next)
		ready = append(ready, held)
		s.next++
	}
}

// Next is the id expected next
func (s *Sequencer) Next() int {
	return s.next
}

// Buffered is the number of messages waiting for a gap to close
func (s *Sequencer) Buffered() int {
	return len(s.buffered)
}

// Reset drops buffered messages
func (s *Sequencer) Reset() {
	s.buffered = make(map[int]protocol.Message)
}
