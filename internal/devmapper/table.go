// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package devmapper

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/asch/dmp/internal/blockdev"
)

// How often removal checks whether in-flight maps of the device finished.
const drainPoll = time.Millisecond

// Device is a named device in the table.
type Device struct {
	name     string
	target   TargetType
	instance Instance

	// Number of Map calls currently inside the target.
	inflight atomic.Int64
	closing  atomic.Bool
}

func (d *Device) Name() string {
	return d.name
}

func (d *Device) Size() int64 {
	return d.instance.Size()
}

// Map passes the request to the target. Rejected requests are completed
// here. Map takes no lock, so a target may forward into another device of
// the same table.
func (d *Device) Map(r *blockdev.Request) MapResult {
	d.inflight.Add(1)
	defer d.inflight.Add(-1)

	if d.closing.Load() {
		r.Complete(fmt.Errorf("%w: %s", ErrDeviceRemoved, d.name))
		return Rejected
	}

	res := d.target.Map(d.instance, r)
	if res == Rejected {
		r.Complete(fmt.Errorf("%w: %s", ErrUnsupportedOperation, r.Op))
	}

	return res
}

// Table of named devices. Create and Remove are serialized, lookups are
// lock-free reads of an immutable map replaced on every change.
type Table struct {
	registry *Registry

	mu      sync.Mutex
	devices atomic.Pointer[map[string]*Device]
}

func NewTable(registry *Registry) *Table {
	t := &Table{registry: registry}
	t.devices.Store(&map[string]*Device{})

	return t
}

// Create builds a device name of target type targetName with args.
func (t *Table) Create(name, targetName string, args []string, mode blockdev.Mode) (*Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := *t.devices.Load()
	if _, ok := current[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceExists, name)
	}

	target, err := t.registry.Lookup(targetName)
	if err != nil {
		return nil, err
	}

	instance, err := target.Create(args, mode)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	d := &Device{name: name, target: target, instance: instance}
	t.swap(func(m map[string]*Device) { m[name] = d })

	log.Info().Str("device", name).Str("target", targetName).Strs("args", args).Msg("Device created")

	return d, nil
}

// Remove takes the device out of the table, waits until no request is being
// mapped by it and destroys it.
func (t *Table) Remove(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := (*t.devices.Load())[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, name)
	}

	t.swap(func(m map[string]*Device) { delete(m, name) })

	d.closing.Store(true)
	for d.inflight.Load() > 0 {
		time.Sleep(drainPoll)
	}

	d.target.Destroy(d.instance)

	log.Info().Str("device", name).Msg("Device removed")

	return nil
}

// RemoveAll removes every device in the table.
func (t *Table) RemoveAll() error {
	var err error
	for _, name := range t.Names() {
		err = multierr.Append(err, t.Remove(name))
	}

	return err
}

// Get returns the device called name.
func (t *Table) Get(name string) (*Device, error) {
	d, ok := (*t.devices.Load())[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, name)
	}

	return d, nil
}

// Names of all devices, sorted.
func (t *Table) Names() []string {
	current := *t.devices.Load()

	names := make([]string, 0, len(current))
	for name := range current {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Replaces the device map by a modified copy. Must hold t.mu.
func (t *Table) swap(modify func(map[string]*Device)) {
	current := *t.devices.Load()

	next := make(map[string]*Device, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	modify(next)

	t.devices.Store(&next)
}
