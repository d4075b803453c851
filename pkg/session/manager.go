package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrBaselineExists is returned when a second baseline capture is attempted.
var ErrBaselineExists = errors.New("baseline snapshot already captured")

// State is the engine state a Manager checkpoints.
type State interface {
	Memory() Memory
	Globals() Globals
}

// Manager owns the baseline snapshot of one engine.
type Manager struct {
	// mu guards baseline; the snapshot itself is read-only once set.
	mu sync.RWMutex

	state    State
	baseline *Checkpoint
}

// NewManager creates a manager for the given engine state.
func NewManager(state State) *Manager {
	return &Manager{state: state}
}

// CaptureBaseline takes the baseline snapshot. Only the first call succeeds.
func (m *Manager) CaptureBaseline(ctx context.Context) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.baseline != nil {
		return m.baseline, ErrBaselineExists
	}

	cp, err := Capture(m.state.Memory(), m.state.Globals())
	if err != nil {
		return nil, fmt.Errorf("capture baseline: %w", err)
	}

	m.baseline = cp
	return cp, nil
}

// RestoreBaseline resets the engine state to the baseline. It reports false
// when no baseline exists, in which case the engine keeps its cold state.
func (m *Manager) RestoreBaseline(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.RLock()
	baseline := m.baseline
	m.mu.RUnlock()

	if baseline == nil {
		return false, nil
	}

	if err := baseline.Restore(m.state.Memory(), m.state.Globals()); err != nil {
		return false, fmt.Errorf("restore baseline: %w", err)
	}

	return true, nil
}

// Baseline returns the baseline snapshot, or nil before the first capture.
func (m *Manager) Baseline() *Checkpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.baseline
}

// HasBaseline reports whether a baseline has been captured.
func (m *Manager) HasBaseline() bool {
	return m.Baseline() != nil
}
