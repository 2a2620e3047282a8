package line

import (
	"fmt"
	"sync"
	"time"
)

// Duration modes. The test mode exists so operators can exercise the
// full kill/refresh cycle without waiting out the real respawn window.
const (
	ModeNormal = "normal"
	ModeTest   = "test"
)

// DurationMode is the operator-selectable global respawn duration. It
// applies per process, not per line; already-armed timers keep the
// duration they were armed with.
type DurationMode struct {
	mu     sync.RWMutex
	mode   string
	normal time.Duration
	test   time.Duration
}

// NewDurationMode creates a mode selector starting in the given mode
func NewDurationMode(mode string, normal, test time.Duration) (*DurationMode, error) {
	m := &DurationMode{normal: normal, test: test}
	if err := m.SetMode(mode); err != nil {
		return nil, err
	}
	return m, nil
}

// Duration returns the respawn duration for the current mode
func (m *DurationMode) Duration() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.mode == ModeTest {
		return m.test
	}
	return m.normal
}

// Mode returns the current mode name
func (m *DurationMode) Mode() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// SetMode switches the global duration mode
func (m *DurationMode) SetMode(mode string) error {
	if mode != ModeNormal && mode != ModeTest {
		return fmt.Errorf("unknown duration mode %q", mode)
	}
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
	return nil
}
