// Package service manages component lifecycle: components are initialized
// and started in registration order, each under its own named child
// context, and stopped in reverse order on shutdown.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/ratebridge/component"
	"github.com/c360/ratebridge/errors"
)

// managed tracks one component and its runtime state
type managed struct {
	name      string
	component component.LifecycleComponent

	// The manager owns a named child context per component so individual
	// components can be cancelled; the component itself only receives the
	// context as a Start parameter.
	ctx    context.Context
	cancel context.CancelFunc

	state component.State
}

// Manager starts and stops a fixed set of lifecycle components
type Manager struct {
	logger *slog.Logger

	mu         sync.Mutex
	components []*managed
	started    bool
}

// NewManager creates an empty manager
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger: logger.With("component", "service-manager"),
	}
}

// Register adds a component. Registration order is start order.
func (m *Manager) Register(name string, c component.LifecycleComponent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Manager", "Register", "register component")
	}
	for _, existing := range m.components {
		if existing.name == name {
			return errors.WrapInvalid(errors.ErrDuplicate, "Manager", "Register", "register "+name)
		}
	}
	m.components = append(m.components, &managed{
		name:      name,
		component: c,
		state:     component.StateCreated,
	})
	return nil
}

// Start initializes and starts every component in registration order. The
// first failure stops the sequence and rolls back the already-started
// components in reverse.
func (m *Manager) Start(ctx context.Context, stopTimeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Manager", "Start", "start components")
	}

	for i, mc := range m.components {
		if err := mc.component.Initialize(); err != nil {
			mc.state = component.StateFailed
			m.rollback(i, stopTimeout)
			return errors.Wrap(err, "Manager", "Start", "initialize "+mc.name)
		}
		mc.state = component.StateInitialized

		mc.ctx, mc.cancel = context.WithCancel(ctx)
		if err := mc.component.Start(mc.ctx); err != nil {
			mc.state = component.StateFailed
			mc.cancel()
			m.rollback(i, stopTimeout)
			return errors.Wrap(err, "Manager", "Start", "start "+mc.name)
		}
		mc.state = component.StateStarted
		m.logger.Info("component started", "name", mc.name)
	}

	m.started = true
	return nil
}

// rollback stops components [0, upto) in reverse order after a start
// failure. Caller holds the lock.
func (m *Manager) rollback(upto int, stopTimeout time.Duration) {
	for i := upto - 1; i >= 0; i-- {
		mc := m.components[i]
		if mc.state != component.StateStarted {
			continue
		}
		if err := mc.component.Stop(stopTimeout); err != nil {
			m.logger.Error("rollback stop failed", "name", mc.name, "error", err)
		}
		if mc.cancel != nil {
			mc.cancel()
		}
		mc.state = component.StateStopped
	}
}

// Stop stops every started component in reverse registration order
func (m *Manager) Stop(stopTimeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil
	}

	var firstErr error
	for i := len(m.components) - 1; i >= 0; i-- {
		mc := m.components[i]
		if mc.state != component.StateStarted {
			continue
		}
		if err := mc.component.Stop(stopTimeout); err != nil {
			m.logger.Error("component stop failed", "name", mc.name, "error", err)
			if firstErr == nil {
				firstErr = errors.Wrap(err, "Manager", "Stop", "stop "+mc.name)
			}
		}
		if mc.cancel != nil {
			mc.cancel()
		}
		mc.state = component.StateStopped
		m.logger.Info("component stopped", "name", mc.name)
	}

	m.started = false
	return firstErr
}

// Components returns the registered components for health reporting
func (m *Manager) Components() []component.Discoverable {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]component.Discoverable, 0, len(m.components))
	for _, mc := range m.components {
		out = append(out, mc.component)
	}
	return out
}
