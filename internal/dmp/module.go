// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package dmp

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/asch/dmp/internal/blockdev"
	"github.com/asch/dmp/internal/devmapper"
	"github.com/asch/dmp/internal/dmp/stats"
	"github.com/asch/dmp/internal/sysfs"
)

// Path of the statistics attribute.
const VolumesAttr = "stat/volumes"

// Module is the loaded dmp. It owns the statistics state, the registration of
// the target type and the published statistics attribute.
type Module struct {
	Stats *stats.Statistics

	target   *Target
	registry *devmapper.Registry
	attrs    sysfs.Dir
}

// Init creates the statistics, registers the dmp target type into registry
// and publishes the statistics in attrs. When any step fails, all previous
// steps are undone.
func Init(registry *devmapper.Registry, devices *blockdev.Manager, attrs sysfs.Dir, maxDevices int64) (*Module, error) {
	s := stats.New()
	t := NewTarget(s, devices, maxDevices)

	if err := registry.Register(t); err != nil {
		log.Error().Err(err).Msg("Failed to register device mapper proxy")
		return nil, fmt.Errorf("%w: %w", ErrRegistration, err)
	}

	if err := attrs.Publish(VolumesAttr, s.Report); err != nil {
		log.Error().Err(err).Msg("Failed to create statistics entry")
		err = multierr.Append(err, registry.Unregister(t.Name()))
		return nil, fmt.Errorf("%w: %w", ErrRegistration, err)
	}

	return &Module{
		Stats:    s,
		target:   t,
		registry: registry,
		attrs:    attrs,
	}, nil
}

// Exit withdraws the statistics attribute and unregisters the target type.
// All devices of the target must be removed before.
func (m *Module) Exit() error {
	err := m.attrs.Remove(VolumesAttr)
	err = multierr.Append(err, m.registry.Unregister(m.target.Name()))

	return err
}
