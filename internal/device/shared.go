package device

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// Shared is a keyed set of drivers used by several devices of one
// generation, such as a PWM chip driving multiple dimmer channels.
//
// The first Acquire for a key opens the driver; later calls return the
// same instance. The scheduler closes everything once, after device
// cleanup and before channels disconnect.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Shared struct {
	mu     sync.Mutex
	items  map[string]io.Closer
	order  []string
	closed bool
}

// NewShared creates an empty Shared set.
func NewShared() *Shared {
	return &Shared{items: make(map[string]io.Closer)}
}

// Acquire returns the driver stored under key, opening it with open on first use.
//
// Example:
//
//	chip, err := device.Acquire(env.Shared, "pwm:/sys/class/pwm/pwmchip0", func() (*pwmChip, error) {
//	    return openChip("/sys/class/pwm/pwmchip0")
//	})
func Acquire[T io.Closer](s *Shared, key string, open func() (T, error)) (T, error) {
	var zero T

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return zero, ErrSharedClosed
	}
	if existing, ok := s.items[key]; ok {
		typed, ok := existing.(T)
		if !ok {
			return zero, fmt.Errorf("%w: %q holds %T", ErrSharedType, key, existing)
		}
		return typed, nil
	}

	v, err := open()
	if err != nil {
		return zero, fmt.Errorf("opening shared driver %q: %w", key, err)
	}
	s.items[key] = v
	s.order = append(s.order, key)
	return v, nil
}

// Len returns the number of open drivers.
func (s *Shared) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Close closes every driver in reverse acquisition order. Later calls are no-ops.
func (s *Shared) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	items, order := s.items, s.order
	s.items, s.order = map[string]io.Closer{}, nil
	s.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		if err := items[order[i]].Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %q: %w", order[i], err))
		}
	}
	return errors.Join(errs...)
}
