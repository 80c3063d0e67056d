// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package devmapper is a minimal device table manager. Target types are
// registered by name and provide three callbacks: create, destroy and map.
// The table creates named devices from a target type and its arguments and
// dispatches requests to them.
package devmapper

import (
	"errors"
	"fmt"
	"sync"

	"github.com/asch/dmp/internal/blockdev"
)

var (
	ErrTargetExists         = errors.New("target type already registered")
	ErrUnknownTarget        = errors.New("unknown target type")
	ErrDeviceExists         = errors.New("device already exists")
	ErrUnknownDevice        = errors.New("unknown device")
	ErrDeviceRemoved        = errors.New("device removed")
	ErrUnsupportedOperation = errors.New("unsupported operation")
)

// Result of mapping a request.
type MapResult int

const (
	// The target took over the request and completes it on its own.
	Forwarded MapResult = iota

	// The target refused the request. It is completed with
	// ErrUnsupportedOperation by the table.
	Rejected
)

func (r MapResult) String() string {
	if r == Forwarded {
		return "forwarded"
	}

	return "rejected"
}

// Instance is a device created by a target type.
type Instance interface {
	// Size of the device in bytes.
	Size() int64
}

// TargetType is a kind of device the table can create.
type TargetType interface {
	Name() string

	// Create builds an instance from the table arguments. The underlying
	// devices are opened in mode.
	Create(args []string, mode blockdev.Mode) (Instance, error)

	// Destroy releases everything the instance holds. It is called exactly
	// once per created instance.
	Destroy(i Instance)

	// Map routes one request. It must not block on I/O.
	Map(i Instance, r *blockdev.Request) MapResult
}

// Registry of target types.
type Registry struct {
	mu      sync.Mutex
	targets map[string]TargetType
}

func NewRegistry() *Registry {
	return &Registry{targets: make(map[string]TargetType)}
}

func (r *Registry) Register(t TargetType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.targets[t.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrTargetExists, t.Name())
	}

	r.targets[t.Name()] = t

	return nil
}

func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.targets[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, name)
	}

	delete(r.targets, name)

	return nil
}

func (r *Registry) Lookup(name string) (TargetType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.targets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, name)
	}

	return t, nil
}
