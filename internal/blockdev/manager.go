// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package blockdev

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// Device is an acquired underlying device. It is owned by whoever acquired it
// and must be released exactly once.
type Device struct {
	identifier string
	mode       Mode
	handle     Handle
	queue      *queue
	released   atomic.Bool
}

func (d *Device) Identifier() string {
	return d.identifier
}

func (d *Device) Mode() Mode {
	return d.mode
}

// Size of the device in bytes.
func (d *Device) Size() int64 {
	return d.handle.Size()
}

// Manager opens underlying devices and keeps track of acquired ones. One
// identifier can be acquired only once at a time.
type Manager struct {
	opts QueueOptions

	mu       sync.Mutex
	openers  map[string]Opener
	fallback Opener
	acquired map[string]*Device
}

// Returns manager opening identifiers without registered scheme by fallback.
func NewManager(fallback Opener, opts QueueOptions) *Manager {
	return &Manager{
		opts:     opts,
		openers:  make(map[string]Opener),
		fallback: fallback,
		acquired: make(map[string]*Device),
	}
}

// Register makes identifiers with scheme open by o. Scheme is the part of
// identifier before "://" or the whole identifier when it has no such part.
func (m *Manager) Register(scheme string, o Opener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.openers[scheme] = o
}

// Scheme of the identifier, empty for plain paths.
func Scheme(identifier string) string {
	if i := strings.Index(identifier, "://"); i > 0 {
		return identifier[:i]
	}

	return ""
}

func (m *Manager) opener(identifier string) (Opener, error) {
	if o, ok := m.openers[identifier]; ok {
		return o, nil
	}

	scheme := Scheme(identifier)
	if o, ok := m.openers[scheme]; ok {
		return o, nil
	}

	if scheme != "" || m.fallback == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, identifier)
	}

	return m.fallback, nil
}

// Acquire opens the device identified by identifier in mode and starts its
// forwarding queue.
func (m *Manager) Acquire(identifier string, mode Mode) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.acquired[identifier]; ok {
		return nil, fmt.Errorf("%w: %s", ErrBusy, identifier)
	}

	open, err := m.opener(identifier)
	if err != nil {
		return nil, err
	}

	h, err := open(identifier, mode)
	if err != nil {
		return nil, err
	}

	d := &Device{
		identifier: identifier,
		mode:       mode,
		handle:     h,
		queue:      newQueue(h, m.opts),
	}
	m.acquired[identifier] = d

	log.Debug().Str("device", identifier).Stringer("mode", mode).Int64("size", h.Size()).Msg("Underlying device acquired")

	return d, nil
}

// Release waits for all submitted requests of the device, flushes and closes
// it. The device must not be used afterwards.
func (m *Manager) Release(d *Device) error {
	if !d.released.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrReleased, d.identifier)
	}

	d.queue.close()

	var err error
	if d.mode == ReadWrite {
		err = d.handle.Flush()
	}
	err = multierr.Append(err, d.handle.Close())

	m.mu.Lock()
	delete(m.acquired, d.identifier)
	m.mu.Unlock()

	log.Debug().Str("device", d.identifier).Err(err).Msg("Underlying device released")

	return err
}

// Submit forwards the request to the device without waiting for any I/O.
// The request is completed asynchronously by the device queue, or
// immediately when the device cannot serve it. Submitting concurrently with
// Release is safe, the request then completes with ErrReleased.
func (m *Manager) Submit(r *Request, d *Device) {
	if d == nil || d.released.Load() {
		r.Complete(ErrReleased)
		return
	}

	if d.mode == ReadOnly && r.Op != OpRead {
		r.Complete(ErrReadOnly)
		return
	}

	if err := d.queue.submit(r); err != nil {
		r.Complete(fmt.Errorf("%w: %s", err, d.identifier))
	}
}

// Number of currently acquired devices.
func (m *Manager) Acquired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.acquired)
}
