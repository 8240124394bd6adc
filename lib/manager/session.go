package manager

import (
	"context"
	"errors"
	"sync"

	"github.com/nrednav/cuid2"
	"github.com/onkernel/vmkit/lib/logger"
	"github.com/onkernel/vmkit/lib/owner"
	"github.com/onkernel/vmkit/lib/virtservice"
)

// ErrSessionClosed is returned by Acquire after Close.
var ErrSessionClosed = errors.New("session closed")

// Session hands out one Manager per owner. Owners are identified by
// owner.Key, so two App values naming the same package and files
// directory share a Manager.
type Session struct {
	id      string
	service virtservice.Service
	opts    Options

	mu       sync.Mutex
	managers map[string]*sessionEntry
	closed   bool
}

type sessionEntry struct {
	m    Manager
	refs int
}

// NewSession creates a session whose managers all use service and opts.
func NewSession(service virtservice.Service, opts Options) *Session {
	return &Session{
		id:       cuid2.Generate(),
		service:  service,
		opts:     opts,
		managers: make(map[string]*sessionEntry),
	}
}

// ID identifies the session in logs.
func (s *Session) ID() string {
	return s.id
}

// Acquire returns the Manager for app, creating it on first use. Every
// successful Acquire must be paired with a Release.
func (s *Session) Acquire(ctx context.Context, app owner.App) (Manager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if app == nil {
		return nil, errors.New("owning application is required")
	}

	key := owner.Key(app)
	if e, ok := s.managers[key]; ok {
		e.refs++
		return e.m, nil
	}

	m, err := NewManager(app, s.service, s.opts)
	if err != nil {
		return nil, err
	}
	s.managers[key] = &sessionEntry{m: m, refs: 1}
	logger.FromContext(ctx).DebugContext(ctx, "manager acquired",
		"session_id", s.id, "package", app.PackageName())
	return m, nil
}

// Release drops one reference to app's Manager. The last release closes it.
func (s *Session) Release(ctx context.Context, app owner.App) error {
	s.mu.Lock()
	key := owner.Key(app)
	e, ok := s.managers[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	e.refs--
	if e.refs > 0 {
		s.mu.Unlock()
		return nil
	}
	delete(s.managers, key)
	s.mu.Unlock()

	logger.FromContext(ctx).DebugContext(ctx, "manager released",
		"session_id", s.id, "package", app.PackageName())
	return e.m.Close(ctx)
}

// Close closes every Manager regardless of outstanding references.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	entries := s.managers
	s.managers = nil
	s.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := e.m.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
