// Package sandbox hosts the server half of one session: its loop, its peer
// and the program running on them. Operations on a sandbox never overlap.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/AltairaLabs/mobius/internal/archive"
	"github.com/AltairaLabs/mobius/internal/broadcast"
	"github.com/AltairaLabs/mobius/internal/ordering"
	"github.com/AltairaLabs/mobius/internal/protocol"
	"github.com/AltairaLabs/mobius/internal/schema"
)

var (
	// ErrSessionDestroyed is returned by operations on a destroyed sandbox
	ErrSessionDestroyed = errors.New("session destroyed")
	// ErrNoArchive is returned when archiving without a store
	ErrNoArchive = errors.New("no archive store configured")
)

// hostCallTimeout bounds calls the loop makes to the host
const hostCallTimeout = 30 * time.Second

type state int

const (
	stateActive state = iota
	stateArchived
	stateDestroyed
)

// Options configures a sandbox
type Options struct {
	Program  Program
	Renderer Renderer
	Fetcher  Fetcher
	Bus      *broadcast.Bus
	Archive  archive.Store
	// Validators defaults to DefaultValidators
	Validators            *schema.Registry
	ClientOrdersAllEvents bool
	Logger                *slog.Logger
}

// Sandbox is one session's execution context
type Sandbox struct {
	id     string
	host   Host
	opts   Options
	logger *slog.Logger

	ops chan struct{}

	// owned by the holder of ops
	state   state
	runCtx  context.Context
	stopRun context.CancelFunc
	loop    *ordering.Loop
	outbox  *ordering.Loop
	peer    *ordering.Peer
	rt      *Runtime
}

// New starts a sandbox and runs its program
func New(ctx context.Context, id string, host Host, opts Options) (*Sandbox, error) {
	if opts.Program == nil {
		return nil, fmt.Errorf("session %s: %w", id, ErrProgramNotFound)
	}
	if opts.Validators == nil {
		opts.Validators = DefaultValidators()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sandbox{
		id:     id,
		host:   host,
		opts:   opts,
		logger: logger.With("session_id", id),
		ops:    make(chan struct{}, 1),
	}
	if err := s.start(ctx, nil); err != nil {
		return nil, err
	}
	return s, nil
}

// ID returns the session id
func (s *Sandbox) ID() string {
	return s.id
}

// start builds a fresh loop and peer and runs the program. With a record the
// program runs against its recorded events first.
func (s *Sandbox) start(ctx context.Context, rec *archive.Record) error {
	s.runCtx, s.stopRun = context.WithCancel(context.Background())
	s.loop = ordering.NewLoop(s.logger)
	s.loop.OnPanic = func(r any) {
		s.logger.Error("escaped program error", "error", fmt.Sprint(r))
	}
	s.outbox = ordering.NewLoop(s.logger)
	s.peer = ordering.NewPeer(s.loop, ordering.Options{
		Role:                  ordering.RoleServer,
		ClientOrdersAllEvents: s.opts.ClientOrdersAllEvents,
		Validators:            s.opts.Validators,
		Logger:                s.logger,
		OnSynchronize:         s.deliver,
		ShareURL:              s.shareURL,
	})
	s.rt = NewRuntime(s.runCtx, s.peer, RuntimeOptions{
		SessionID: s.id,
		Logger:    s.logger,
		Host:      s.host,
		Bus:       s.opts.Bus,
		Fetcher:   s.opts.Fetcher,
	})
	go s.loop.Run(s.runCtx)
	go s.outbox.Run(s.runCtx)

	peer, rt := s.peer, s.rt
	_, err := s.loop.Await(ctx, func(resolve ordering.Resolver) {
		if rec != nil {
			peer.Replay(rec.Events, rec.Channels, func() { resolve(nil, nil) })
		}
		if err := s.opts.Program(rt); err != nil {
			s.logger.Error("program failed", "error", err)
		}
		peer.Start()
		if rec == nil {
			resolve(nil, nil)
		}
	})
	if err != nil {
		s.stop()
		return fmt.Errorf("failed to start session %s: %w", s.id, err)
	}
	s.state = stateActive
	return nil
}

func (s *Sandbox) stop() {
	s.loop.Stop()
	s.outbox.Stop()
	s.stopRun()
}

// do runs op once no other operation is executing
func (s *Sandbox) do(ctx context.Context, op func() error) error {
	select {
	case s.ops <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.ops }()
	return op()
}

// active brings an archived sandbox back. Callers hold ops.
func (s *Sandbox) active(ctx context.Context) error {
	switch s.state {
	case stateDestroyed:
		return ErrSessionDestroyed
	case stateArchived:
		return s.unarchive(ctx)
	}
	return nil
}

// deliver runs on the loop whenever the peer has events for the host. The
// outbox keeps host calls in order without blocking the loop.
func (s *Sandbox) deliver() {
	events := s.peer.TakeQueued()
	if len(events) == 0 {
		return
	}
	s.toHost(events)
}

func (s *Sandbox) toHost(events protocol.Stream) {
	s.outbox.Post(func() {
		ctx, cancel := context.WithTimeout(s.runCtx, hostCallTimeout)
		defer cancel()
		for _, item := range events {
			if err := s.host.SendEvent(ctx, item); err != nil {
				s.logger.Warn("failed to send event to host", "error", err)
			}
		}
		if err := s.host.SynchronizeChannels(ctx); err != nil {
			s.logger.Warn("failed to synchronize host", "error", err)
		}
	})
}

// flush hands everything queued to the host and waits for it to arrive
func (s *Sandbox) flush(ctx context.Context) error {
	if _, err := s.loop.Call(ctx, func() (any, error) {
		s.deliver()
		return nil, nil
	}); err != nil {
		return err
	}
	_, err := s.outbox.Call(ctx, func() (any, error) { return nil, nil })
	return err
}

func (s *Sandbox) shareURL() (string, error) {
	ctx, cancel := context.WithTimeout(s.runCtx, hostCallTimeout)
	defer cancel()
	if err := s.host.EnableSharing(ctx); err != nil {
		return "", err
	}
	base, err := s.host.GetBaseURL(ctx)
	if err != nil {
		return "", err
	}
	return base + "?sessionID=" + url.QueryEscape(s.id), nil
}

// ProcessEvents applies events sent by a client and returns once every
// callback they triggered has run. Without script the client gets a fresh
// page instead of messages, so delivery to the host is not awaited.
func (s *Sandbox) ProcessEvents(ctx context.Context, events protocol.Stream, noScript bool) error {
	return s.do(ctx, func() error {
		if err := s.active(ctx); err != nil {
			return err
		}
		peer := s.peer
		if _, err := s.loop.Await(ctx, func(resolve ordering.Resolver) {
			peer.ProcessEvents(events, func() { resolve(nil, nil) })
		}); err != nil {
			return err
		}
		if noScript {
			return nil
		}
		return s.flush(ctx)
	})
}

// SynchronizeChannels delivers queued events to the host now
func (s *Sandbox) SynchronizeChannels(ctx context.Context) error {
	return s.do(ctx, func() error {
		if err := s.active(ctx); err != nil {
			return err
		}
		return s.flush(ctx)
	})
}

// ScheduleSynchronize asks for queued events to be delivered soon
func (s *Sandbox) ScheduleSynchronize(ctx context.Context) error {
	return s.do(ctx, func() error {
		if err := s.active(ctx); err != nil {
			return err
		}
		_, err := s.loop.Call(ctx, func() (any, error) {
			return nil, s.peer.Flush()
		})
		return err
	})
}

// ArchiveEvents saves the session history and releases the program. With
// includeTrailer, events not yet handed to the host are saved too and
// delivered once the session is restored; otherwise they are delivered now.
func (s *Sandbox) ArchiveEvents(ctx context.Context, includeTrailer bool) error {
	return s.do(ctx, func() error {
		switch s.state {
		case stateDestroyed:
			return ErrSessionDestroyed
		case stateArchived:
			return nil
		}
		if s.opts.Archive == nil {
			return ErrNoArchive
		}
		if !includeTrailer {
			if err := s.flush(ctx); err != nil {
				return err
			}
		}
		v, err := s.loop.Call(ctx, func() (any, error) {
			rec := &archive.Record{
				SessionID: s.id,
				Events:    s.peer.History(),
				Channels:  s.peer.Channels().LocalIDs(),
			}
			if includeTrailer {
				rec.Trailer = s.peer.TakeQueued()
			}
			return rec, nil
		})
		if err != nil {
			return err
		}
		rec := v.(*archive.Record)
		if err := s.opts.Archive.Save(ctx, rec); err != nil {
			return fmt.Errorf("failed to archive session %s: %w", s.id, err)
		}
		s.stop()
		s.state = stateArchived
		s.logger.Info("Session archived", "events", len(rec.Events), "trailer", len(rec.Trailer))
		return nil
	})
}

// UnarchiveEvents restores an archived session by replaying its history
func (s *Sandbox) UnarchiveEvents(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.state == stateActive {
			return nil
		}
		return s.active(ctx)
	})
}

func (s *Sandbox) unarchive(ctx context.Context) error {
	if s.opts.Archive == nil {
		return ErrNoArchive
	}
	rec, err := s.opts.Archive.Load(ctx, s.id)
	if err != nil {
		return fmt.Errorf("failed to restore session %s: %w", s.id, err)
	}
	if err := s.start(ctx, rec); err != nil {
		return err
	}
	if len(rec.Trailer) > 0 {
		s.toHost(rec.Trailer)
	}
	if err := s.opts.Archive.Delete(ctx, s.id); err != nil {
		s.logger.Warn("failed to delete archive", "error", err)
	}
	s.logger.Info("Session restored", "events", len(rec.Events))
	return nil
}

// Render produces the page for a client. With Bootstrap set the page embeds
// everything the client needs to replay the session so far.
func (s *Sandbox) Render(ctx context.Context, opts RenderOptions) (string, error) {
	if s.opts.Renderer == nil {
		return "", fmt.Errorf("session %s has no renderer", s.id)
	}
	var req RenderRequest
	err := s.do(ctx, func() error {
		if err := s.active(ctx); err != nil {
			return err
		}
		v, err := s.loop.Call(ctx, func() (any, error) {
			return s.renderRequest(opts), nil
		})
		if err != nil {
			return err
		}
		req = v.(RenderRequest)
		return nil
	})
	if err != nil {
		return "", err
	}
	return s.opts.Renderer.Render(ctx, req)
}

func (s *Sandbox) renderRequest(opts RenderOptions) RenderRequest {
	local := s.peer.Channels().LocalCount()
	req := RenderRequest{
		Mode:        opts.Mode,
		Client:      opts.Client,
		Session:     SessionState{SessionID: s.id, LocalChannelCount: local},
		ClientURL:   opts.ClientURL,
		NoScriptURL: opts.NoScriptURL,
		Document:    s.rt.doc.snapshot(),
	}
	if opts.Bootstrap {
		b := s.bootstrap(opts.Client.ClientID)
		req.Bootstrap = &b
	}
	return req
}

// bootstrap converts the server history to the client's point of view: the
// client's own channels become negative and the server's positive.
func (s *Sandbox) bootstrap(clientID int) protocol.BootstrapData {
	history := s.peer.History()
	events := make(protocol.Stream, 0, len(history)+1)
	events = append(events, s.peer.Channels().LocalCount() > 0)
	for _, item := range history {
		if ev, ok := item.(protocol.Event); ok {
			events = append(events, ev.WithChannelID(-ev.ChannelID()))
		}
	}
	channels := s.peer.Channels().RemoteIDs()
	if channels == nil {
		channels = []int{}
	}
	return protocol.BootstrapData{
		SessionID: s.id,
		ClientID:  clientID,
		Events:    events,
		Channels:  channels,
	}
}

// Bootstrap returns the replay state for a client
func (s *Sandbox) Bootstrap(ctx context.Context, clientID int) (protocol.BootstrapData, error) {
	var b protocol.BootstrapData
	err := s.do(ctx, func() error {
		if err := s.active(ctx); err != nil {
			return err
		}
		v, err := s.loop.Call(ctx, func() (any, error) {
			return s.bootstrap(clientID), nil
		})
		if err != nil {
			return err
		}
		b = v.(protocol.BootstrapData)
		return nil
	})
	return b, err
}

// ValueForFormField returns the current value of a rendered form field
func (s *Sandbox) ValueForFormField(ctx context.Context, name string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.do(ctx, func() error {
		if err := s.active(ctx); err != nil {
			return err
		}
		_, err := s.loop.Call(ctx, func() (any, error) {
			if f, ok := s.rt.doc.Field(name); ok {
				value, found = f.Value(), true
			}
			return nil, nil
		})
		return err
	})
	return value, found, err
}

// HasLocalChannels reports whether the program still owes clients events
func (s *Sandbox) HasLocalChannels(ctx context.Context) (bool, error) {
	var has bool
	err := s.do(ctx, func() error {
		if s.state != stateActive {
			return nil
		}
		_, err := s.loop.Call(ctx, func() (any, error) {
			has = s.peer.HasLocalChannels()
			return nil, nil
		})
		return err
	})
	return has, err
}

// UpdateOpenServerChannelStatus queues a marker telling clients whether the
// server holds open channels
func (s *Sandbox) UpdateOpenServerChannelStatus(ctx context.Context, open bool) error {
	return s.do(ctx, func() error {
		if err := s.active(ctx); err != nil {
			return err
		}
		_, err := s.loop.Call(ctx, func() (any, error) {
			s.peer.UpdateOpenServerChannelStatus(open)
			return nil, nil
		})
		return err
	})
}

// BecameActive is called when a client shows up for the session
func (s *Sandbox) BecameActive(ctx context.Context) error {
	return s.do(ctx, func() error {
		return s.active(ctx)
	})
}

// Destroy ends the session. Pending client channels are aborted and the
// host is told the session is gone. Calling it again has no effect.
func (s *Sandbox) Destroy(ctx context.Context) error {
	return s.do(ctx, func() error {
		return s.destroy(ctx)
	})
}

func (s *Sandbox) destroy(ctx context.Context) error {
	switch s.state {
	case stateDestroyed:
		return nil
	case stateArchived:
		if s.opts.Archive != nil {
			if err := s.opts.Archive.Delete(ctx, s.id); err != nil {
				s.logger.Warn("failed to delete archive", "error", err)
			}
		}
	default:
		if _, err := s.loop.Call(ctx, func() (any, error) {
			s.peer.Disconnect()
			return nil, nil
		}); err != nil {
			return err
		}
		s.stop()
	}
	s.state = stateDestroyed
	s.logger.Info("Session destroyed")
	if err := s.host.SessionWasDestroyed(ctx); err != nil {
		s.logger.Warn("failed to notify host of destroyed session", "error", err)
	}
	return nil
}

// DestroyIfExhausted destroys the session once no client is attached and
// neither side has channels open. It reports whether the session is gone.
func (s *Sandbox) DestroyIfExhausted(ctx context.Context) (bool, error) {
	var destroyed bool
	err := s.do(ctx, func() error {
		switch s.state {
		case stateDestroyed:
			destroyed = true
			return nil
		case stateArchived:
			return nil
		}
		clients, err := s.host.ClientCount(ctx)
		if err != nil {
			return err
		}
		if clients > 0 {
			return nil
		}
		v, err := s.loop.Call(ctx, func() (any, error) {
			reg := s.peer.Channels()
			return reg.LocalCount() == 0 && reg.OpenRemoteCount() == 0 && !s.peer.HasQueued(), nil
		})
		if err != nil {
			return err
		}
		if !v.(bool) {
			return nil
		}
		destroyed = true
		return s.destroy(ctx)
	})
	return destroyed, err
}

// Archived reports whether the session is archived
func (s *Sandbox) Archived(ctx context.Context) (bool, error) {
	var archived bool
	err := s.do(ctx, func() error {
		archived = s.state == stateArchived
		return nil
	})
	return archived, err
}
