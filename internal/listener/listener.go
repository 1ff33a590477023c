package listener

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/wudi/admission/internal/logging"
	"go.uber.org/zap"
)

// Listener is a network endpoint serving one handler.
type Listener interface {
	// ID returns the unique identifier for this listener
	ID() string

	// Start binds the address and begins serving in the background
	Start(ctx context.Context) error

	// Stop gracefully stops the listener
	Stop(ctx context.Context) error

	// Addr returns the bound address once started, the configured one before
	Addr() string
}

// Manager starts and stops a set of listeners together.
type Manager struct {
	mu        sync.RWMutex
	listeners map[string]Listener
	logger    *zap.Logger
}

// NewManager creates a new listener manager
func NewManager() *Manager {
	return &Manager{
		listeners: make(map[string]Listener),
		logger:    logging.Global().Named("listener"),
	}
}

// Add adds a listener to the manager
func (m *Manager) Add(l Listener) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.listeners[l.ID()]; exists {
		return fmt.Errorf("listener with id %s already exists", l.ID())
	}

	m.listeners[l.ID()] = l
	return nil
}

// Get returns a listener by ID
func (m *Manager) Get(id string) (Listener, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listeners[id]
	return l, ok
}

// Remove removes a listener by ID
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.listeners[id]; !exists {
		return fmt.Errorf("listener with id %s not found", id)
	}

	delete(m.listeners, id)
	return nil
}

// StartAll starts every listener. Listeners already started are stopped
// again when one fails.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var started []Listener
	for _, id := range m.ids() {
		l := m.listeners[id]
		if err := l.Start(ctx); err != nil {
			for _, s := range started {
				_ = s.Stop(ctx)
			}
			return fmt.Errorf("listener %s: %w", id, err)
		}
		m.logger.Info("listener started", zap.String("id", id), zap.String("address", l.Addr()))
		started = append(started, l)
	}
	return nil
}

// StopAll gracefully stops all listeners in parallel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(m.listeners))

	for _, l := range m.listeners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.logger.Info("stopping listener", zap.String("id", l.ID()))
			if err := l.Stop(ctx); err != nil {
				errCh <- fmt.Errorf("listener %s: %w", l.ID(), err)
			}
		}()
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Count returns the number of registered listeners
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners)
}

// List returns all listener IDs sorted.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ids()
}

func (m *Manager) ids() []string {
	ids := make([]string, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
