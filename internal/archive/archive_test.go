package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/AltairaLabs/mobius/internal/config"
	"github.com/AltairaLabs/mobius/internal/protocol"
)

func sampleRecord(id string) *Record {
	return &Record{
		SessionID: id,
		Events:    protocol.Stream{false, protocol.NewEvent(-1, "a"), protocol.NewEvent(2, map[string]any{"k": 1})},
		Channels:  []int{3},
		Trailer:   protocol.Stream{protocol.NewEvent(4)},
	}
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	rec := sampleRecord("s1")
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Checksum != rec.Checksum {
		t.Errorf("Expected checksum %d, got %d", rec.Checksum, loaded.Checksum)
	}
	if len(loaded.Events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(loaded.Events))
	}
	if ev, ok := loaded.Events[1].(protocol.Event); !ok || ev.ChannelID() != -1 {
		t.Errorf("Expected event on -1, got %v", loaded.Events[1])
	}
	if !reflect.DeepEqual(loaded.Channels, []int{3}) {
		t.Errorf("Expected channels [3], got %v", loaded.Channels)
	}

	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Load(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestBoltStore(t *testing.T) {
	store, err := OpenBoltStore(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("Failed to open bolt store: %v", err)
	}
	defer store.Close()
	exerciseStore(t, store)
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("MOBIUS_TEST_REDIS_URL")
	if url == "" {
		t.Skip("MOBIUS_TEST_REDIS_URL not set")
	}
	store, err := OpenRedisStore(context.Background(), url)
	if err != nil {
		t.Fatalf("Failed to open redis store: %v", err)
	}
	defer store.Close()
	exerciseStore(t, store)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("MOBIUS_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("MOBIUS_TEST_POSTGRES_URL not set")
	}
	store, err := OpenPostgresStore(context.Background(), url)
	if err != nil {
		t.Fatalf("Failed to open postgres store: %v", err)
	}
	defer store.Close()
	exerciseStore(t, store)
}

func TestVerifyDetectsTampering(t *testing.T) {
	rec := sampleRecord("s2")
	data, err := encode(rec)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := decode(data); err != nil {
		t.Fatalf("Expected clean decode, got %v", err)
	}

	rec.Events = append(rec.Events, protocol.NewEvent(9))
	if err := rec.Verify(); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Expected ErrCorrupt, got %v", err)
	}
}

func TestDigestIsStable(t *testing.T) {
	a, err := Digest(protocol.Stream{protocol.NewEvent(1, 2)})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	b, _ := Digest(protocol.Stream{protocol.Event{float64(1), float64(2)}})
	if a != b {
		t.Errorf("Expected int and float ids to hash the same, got %d and %d", a, b)
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	store, err := Open(context.Background(), config.ArchiveConfig{Backend: config.ArchiveMemory})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Errorf("Expected MemoryStore, got %T", store)
	}
	if _, err := Open(context.Background(), config.ArchiveConfig{Backend: "tape"}); err == nil {
		t.Error("Expected error for unknown backend")
	}
}
