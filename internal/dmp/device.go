// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package dmp

import (
	"sync/atomic"

	"github.com/asch/dmp/internal/blockdev"
)

// ProxyDevice is one dmp device. It exclusively owns the underlying device
// acquired by Create until Destroy releases it.
type ProxyDevice struct {
	underlying atomic.Pointer[blockdev.Device]
	mode       blockdev.Mode
}

// Underlying returns the bound device or nil after the proxy was destroyed.
func (p *ProxyDevice) Underlying() *blockdev.Device {
	return p.underlying.Load()
}

// Mode the underlying device was acquired in.
func (p *ProxyDevice) Mode() blockdev.Mode {
	return p.mode
}

// Size of the proxy, which is the size of the underlying device.
func (p *ProxyDevice) Size() int64 {
	d := p.Underlying()
	if d == nil {
		return 0
	}

	return d.Size()
}
