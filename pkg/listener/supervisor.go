package listener

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrNoListeners is returned when a supervisor is started with nothing to run.
var ErrNoListeners = errors.New("no listeners configured")

// Supervisor owns the lifecycle of a set of listeners and aggregates their
// health. One listener failing to start does not prevent the others from
// running.
type Supervisor struct {
	logger    *zap.Logger
	mu        sync.Mutex
	listeners map[string]*Listener
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor(logger *zap.Logger) *Supervisor {
	return &Supervisor{
		logger:    logger.Named("supervisor"),
		listeners: make(map[string]*Listener),
	}
}

// Add registers a listener under its contract name, replacing any previous
// registration for that name.
func (s *Supervisor) Add(l *Listener) {
	s.mu.Lock()
	s.listeners[l.cfg.Contract] = l
	s.mu.Unlock()
}

// Start starts every registered listener. Individual startup failures are
// logged and skipped; the returned error is non-nil only when no listener
// could be started at all.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	all := make([]*Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		all = append(all, l)
	}
	s.mu.Unlock()

	if len(all) == 0 {
		return ErrNoListeners
	}

	started := 0
	for _, l := range all {
		if err := l.Start(ctx); err != nil {
			s.logger.Error("failed to start listener",
				zap.String("contract", l.cfg.Contract),
				zap.Error(err),
			)
			continue
		}
		started++
	}
	if started == 0 {
		return errors.New("all listeners failed to start")
	}

	s.logger.Info("listeners started",
		zap.Int("started", started),
		zap.Int("configured", len(all)),
	)
	return nil
}

// Stop stops every listener.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	all := make([]*Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		all = append(all, l)
	}
	s.mu.Unlock()

	for _, l := range all {
		l.Stop()
	}
	s.logger.Info("listeners stopped", zap.Int("count", len(all)))
}

// Health returns a health snapshot per contract name.
func (s *Supervisor) Health() map[string]Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Health, len(s.listeners))
	for name, l := range s.listeners {
		out[name] = l.Health()
	}
	return out
}
