// ABOUTME: Manager keeps one Coordinator per watched session and feeds it from the change feed
// ABOUTME: Each session gets a single consumer goroutine so events are handled one at a time

package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/consult-gateway/internal/changefeed"
)

// ErrManagerClosed is returned by Acquire after Close.
var ErrManagerClosed = errors.New("lifecycle manager closed")

const watcherBufferSize = 16

// NotificationType names what a watcher is told about.
type NotificationType string

const (
	NotifyPhase      NotificationType = "phase"
	NotifyFinishable NotificationType = "finishable"
	NotifyFinalize   NotificationType = "finalize"
)

// Notification is sent to session watchers.
type Notification struct {
	Type     NotificationType `json:"type"`
	Snapshot Snapshot         `json:"snapshot"`
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// OnFinishable is called for every finishable cue across sessions
	OnFinishable func(sessionID string)
	// IdleTimeout keeps a coordinator alive after its last Release so that
	// a dialog opened in one request survives until the next. Zero stops
	// the loop immediately.
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

type entry struct {
	coord    *Coordinator
	refs     int
	cancel   context.CancelFunc
	done     chan struct{}
	idle     *time.Timer
	mu       sync.Mutex
	watchers map[string]chan Notification

	// ready is closed once the first Acquire has attached; err is its result
	ready chan struct{}
	err   error
}

// Manager owns the coordinators for sessions that currently have viewers.
type Manager struct {
	store  Store
	feed   changefeed.Feed
	opts   ManagerOptions
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// NewManager creates a manager. Pass nil logger in opts for default.
func NewManager(s Store, feed changefeed.Feed, opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   s,
		feed:    feed,
		opts:    opts,
		logger:  logger.With("component", "lifecycle_manager"),
		entries: make(map[string]*entry),
	}
}

// Acquire returns the coordinator for sessionID, attaching it and starting
// its event loop on first use. Every successful Acquire must be paired with
// Release. The store and feed are read without holding the manager lock;
// concurrent callers for the same session wait for the first one's attach.
func (m *Manager) Acquire(ctx context.Context, sessionID string) (*Coordinator, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if e, ok := m.entries[sessionID]; ok {
		if e.idle != nil {
			e.idle.Stop()
			e.idle = nil
		}
		e.refs++
		m.mu.Unlock()

		<-e.ready
		if e.err != nil {
			return nil, e.err
		}
		return e.coord, nil
	}

	e := m.newEntry(sessionID)
	e.refs = 1
	m.entries[sessionID] = e
	m.mu.Unlock()

	if err := m.start(ctx, sessionID, e); err != nil {
		m.mu.Lock()
		if m.entries[sessionID] == e {
			delete(m.entries, sessionID)
		}
		m.mu.Unlock()

		e.err = err
		close(e.ready)
		return nil, err
	}
	close(e.ready)

	m.logger.Debug("coordinator acquired", "session_id", sessionID)
	return e.coord, nil
}

func (m *Manager) newEntry(sessionID string) *entry {
	e := &entry{
		watchers: make(map[string]chan Notification),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	e.coord = NewCoordinator(m.store, sessionID, Options{
		OnFinishable: func(id string) {
			if m.opts.OnFinishable != nil {
				m.opts.OnFinishable(id)
			}
			e.notify(NotifyFinishable, e.coord.snapshotLocked())
		},
		OnPhase: func(s Snapshot) {
			e.notify(NotifyPhase, s)
		},
		OnFinalize: func(id string) {
			e.notify(NotifyFinalize, e.coord.snapshotLocked())
		},
		Logger: m.logger,
	})
	return e
}

// start subscribes, attaches and launches the event loop for a new entry.
func (m *Manager) start(ctx context.Context, sessionID string, e *entry) error {
	// Subscribe before reading the store so no change between the two is lost
	loopCtx, cancel := context.WithCancel(context.Background())
	deliveries, err := m.feed.Subscribe(loopCtx, sessionID)
	if err != nil {
		cancel()
		return err
	}

	if err := e.coord.Attach(ctx); err != nil {
		cancel()
		return err
	}

	e.cancel = cancel
	go m.run(loopCtx, e, deliveries)
	return nil
}

// Get returns the coordinator for sessionID if it is currently acquired.
func (m *Manager) Get(sessionID string) (*Coordinator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok || !e.loaded() {
		return nil, false
	}
	return e.coord, true
}

// Release drops one reference. At zero the event loop stops, after
// IdleTimeout if one is configured.
func (m *Manager) Release(sessionID string) {
	m.mu.Lock()
	e, ok := m.entries[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		m.mu.Unlock()
		return
	}
	if m.opts.IdleTimeout > 0 {
		e.idle = time.AfterFunc(m.opts.IdleTimeout, func() { m.expire(sessionID, e) })
		m.mu.Unlock()
		return
	}
	delete(m.entries, sessionID)
	m.mu.Unlock()

	m.stop(e)
}

// expire stops an idle entry unless it was re-acquired in the meantime.
func (m *Manager) expire(sessionID string, e *entry) {
	m.mu.Lock()
	if m.entries[sessionID] != e || e.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.entries, sessionID)
	m.mu.Unlock()

	m.stop(e)
}

func (m *Manager) stop(e *entry) {
	e.cancel()
	<-e.done
	e.closeWatchers()
	m.logger.Debug("coordinator released", "session_id", e.coord.SessionID())
}

// Watch streams notifications for an acquired session until ctx is cancelled
// or the session is released.
func (m *Manager) Watch(ctx context.Context, sessionID string) (<-chan Notification, bool) {
	m.mu.Lock()
	e, ok := m.entries[sessionID]
	m.mu.Unlock()
	if !ok || !e.loaded() {
		return nil, false
	}

	id := uuid.New().String()
	ch := make(chan Notification, watcherBufferSize)

	e.mu.Lock()
	if e.watchers == nil {
		e.mu.Unlock()
		return nil, false
	}
	e.watchers[id] = ch
	e.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-e.done:
		}
		e.removeWatcher(id)
	}()
	return ch, true
}

// Close stops every event loop.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range entries {
		if e.idle != nil {
			e.idle.Stop()
		}
		<-e.ready
		if e.err != nil {
			continue
		}
		m.stop(e)
	}
}

// run is the single consumer for one session.
func (m *Manager) run(ctx context.Context, e *entry, deliveries <-chan changefeed.Delivery) {
	defer close(e.done)
	logger := m.logger.With("session_id", e.coord.SessionID())

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			if err := e.coord.HandleChange(ctx, d.Change); err != nil {
				logger.Warn("change not applied", "event_id", d.Change.EventID, "error", err)
			}
			d.Ack()
		}
	}
}

// loaded reports whether the entry finished attaching successfully.
func (e *entry) loaded() bool {
	select {
	case <-e.ready:
		return e.err == nil
	default:
		return false
	}
}

func (e *entry) notify(t NotificationType, s Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ch := range e.watchers {
		select {
		case ch <- Notification{Type: t, Snapshot: s}:
		default:
		}
	}
}

func (e *entry) removeWatcher(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.watchers[id]; ok {
		delete(e.watchers, id)
		close(ch)
	}
}

func (e *entry) closeWatchers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ch := range e.watchers {
		close(ch)
		delete(e.watchers, id)
	}
	e.watchers = nil
}
