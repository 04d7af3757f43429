// Package archive persists the event history of idle sessions so they can be
// dropped from memory and restored by replay later.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/AltairaLabs/mobius/internal/config"
	"github.com/AltairaLabs/mobius/internal/protocol"
)

var (
	// ErrNotFound is returned when no archive exists for a session
	ErrNotFound = errors.New("archive not found")
	// ErrCorrupt is returned when an archive fails its checksum
	ErrCorrupt = errors.New("archive checksum mismatch")
)

// Record is the archived state of one session
type Record struct {
	SessionID string          `json:"sessionID"`
	Events    protocol.Stream `json:"events"`
	// Channels are the local channel ids still open when the session was
	// archived; replay implements only these again
	Channels []int `json:"channels"`
	// Trailer holds events that were queued but never delivered
	Trailer    protocol.Stream `json:"trailer,omitempty"`
	Checksum   uint64          `json:"checksum"`
	ArchivedAt time.Time       `json:"archivedAt"`
}

// Store saves and restores archived sessions
type Store interface {
	Save(ctx context.Context, rec *Record) error
	Load(ctx context.Context, sessionID string) (*Record, error)
	Delete(ctx context.Context, sessionID string) error
	Close() error
}

// Digest hashes an event stream
func Digest(events protocol.Stream) (uint64, error) {
	plain := make([]any, len(events))
	for i := range events {
		plain[i] = protocol.Plain(events[i])
	}
	data, err := json.Marshal(plain)
	if err != nil {
		return 0, fmt.Errorf("failed to hash events: %w", err)
	}
	return xxhash.Sum64(data), nil
}

// Seal stamps the record's checksum
func (r *Record) Seal() error {
	sum, err := Digest(append(append(protocol.Stream{}, r.Events...), r.Trailer...))
	if err != nil {
		return err
	}
	r.Checksum = sum
	if r.ArchivedAt.IsZero() {
		r.ArchivedAt = time.Now()
	}
	return nil
}

// Verify checks the record against its checksum
func (r *Record) Verify() error {
	sum, err := Digest(append(append(protocol.Stream{}, r.Events...), r.Trailer...))
	if err != nil {
		return err
	}
	if sum != r.Checksum {
		return fmt.Errorf("session %s: %w", r.SessionID, ErrCorrupt)
	}
	return nil
}

func encode(rec *Record) ([]byte, error) {
	if err := rec.Seal(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode archive: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode archive: %w", err)
	}
	if err := rec.Verify(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Open builds the store selected by the configuration
func Open(ctx context.Context, cfg config.ArchiveConfig) (Store, error) {
	switch cfg.Backend {
	case "", config.ArchiveMemory:
		return NewMemoryStore(), nil
	case config.ArchiveBolt:
		return OpenBoltStore(cfg.Path)
	case config.ArchiveRedis:
		return OpenRedisStore(ctx, cfg.URL)
	case config.ArchivePostgres:
		return OpenPostgresStore(ctx, cfg.URL)
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}
