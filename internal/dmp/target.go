// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package dmp

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/asch/dmp/internal/blockdev"
	"github.com/asch/dmp/internal/devmapper"
	"github.com/asch/dmp/internal/dmp/stats"
)

// Name of the target type in the device table.
const TargetName = "dmp"

// Target implements devmapper.TargetType for dmp devices.
type Target struct {
	stats   *stats.Statistics
	devices *blockdev.Manager

	// Every existing proxy holds one slot. Running out of slots is the
	// allocation failure of Create.
	slots *semaphore.Weighted
}

// NewTarget returns target recording into s and acquiring underlying devices
// from devices. At most maxDevices proxies can exist at once.
func NewTarget(s *stats.Statistics, devices *blockdev.Manager, maxDevices int64) *Target {
	return &Target{
		stats:   s,
		devices: devices,
		slots:   semaphore.NewWeighted(maxDevices),
	}
}

func (t *Target) Name() string {
	return TargetName
}

// Create binds a new proxy to the underlying device named by the only
// argument. Nothing is left allocated when it fails.
func (t *Target) Create(args []string, mode blockdev.Mode) (devmapper.Instance, error) {
	if len(args) != 1 {
		log.Error().Int("argc", len(args)).Msg("Invalid count of arguments")
		return nil, fmt.Errorf("%w: expected 1, got %d", ErrInvalidArgumentCount, len(args))
	}

	if !t.slots.TryAcquire(1) {
		log.Error().Msg("Failed to allocate device")
		return nil, ErrAllocation
	}

	d, err := t.devices.Acquire(args[0], mode)
	if err != nil {
		t.slots.Release(1)
		log.Error().Err(err).Str("device", args[0]).Msg("Failed device lookup")
		return nil, fmt.Errorf("%w: %s: %w", ErrDeviceLookup, args[0], err)
	}

	p := &ProxyDevice{mode: mode}
	p.underlying.Store(d)

	return p, nil
}

// Destroy releases the underlying device and the slot of the proxy. Calling
// it again on the same proxy does nothing.
func (t *Target) Destroy(i devmapper.Instance) {
	p := i.(*ProxyDevice)

	d := p.underlying.Swap(nil)
	if d == nil {
		log.Warn().Msg("Proxy device destroyed twice")
		return
	}

	if err := t.devices.Release(d); err != nil {
		log.Error().Err(err).Str("device", d.Identifier()).Msg("Failed to release underlying device")
	}

	t.slots.Release(1)
}

// Map records statistics of reads and writes and forwards them to the
// underlying device. The request is completed by the underlying device, Map
// does not wait for it. Other operations are rejected untouched. A request
// racing with Destroy is either rejected or completed with
// blockdev.ErrReleased.
func (t *Target) Map(i devmapper.Instance, r *blockdev.Request) devmapper.MapResult {
	p := i.(*ProxyDevice)

	var class stats.Class
	switch r.Op {
	case blockdev.OpRead:
		class = stats.Read
	case blockdev.OpWrite:
		class = stats.Write
	default:
		log.Trace().Stringer("op", r.Op).Msg("Invalid operation")
		return devmapper.Rejected
	}

	d := p.Underlying()
	if d == nil {
		return devmapper.Rejected
	}

	t.stats.Record(class, uint64(r.Size()))

	r.Dev = d
	t.devices.Submit(r, d)

	return devmapper.Forwarded
}
