// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package frontend connects a device from the device table to the BUSE
// kernel module. It implements BuseReadWriter interface, turns reads and
// batches of writes coming from the kernel into requests and waits for their
// completion, since BUSE needs the data before the call returns.
package frontend

import (
	"encoding/binary"
	"sync"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/asch/dmp/internal/blockdev"
	"github.com/asch/dmp/internal/devmapper"
)

const (
	// Size of the metadata for one write in the write chunk read from the
	// kernel.
	WRITE_ITEM_SIZE = 32

	// Sector is a linux constant, which is always 512, no matter how big your sectors or blocks
	// are. Please be careful since the terminology is ambiguous.
	sectorUnit = 512
)

// Mapper routes requests, *devmapper.Device is one.
type Mapper interface {
	Map(r *blockdev.Request) devmapper.MapResult
}

// Write extent as stored in the metadata part of the write chunk.
type extent struct {
	// Byte offset on the device.
	offset int64

	// Length in bytes.
	length int64
}

// Proxy implements BuseReadWriter on top of a Mapper.
type Proxy struct {
	dev       Mapper
	blockSize int64

	// Size of the metadata for one write in the write chunk read from the
	// kernel.
	write_item_size int

	// Size of the chunk portion which contains all writes metadata. After
	// this metadata_size offset real data are stored.
	metadata_size int
}

// New returns BuseReadWriter forwarding into dev. blockSize and chunkSize
// must be the same as in the BUSE options.
func New(dev Mapper, blockSize, chunkSize int) *Proxy {
	return &Proxy{
		dev:             dev,
		blockSize:       int64(blockSize),
		write_item_size: WRITE_ITEM_SIZE,
		metadata_size:   chunkSize / blockSize * WRITE_ITEM_SIZE,
	}
}

// Collects completions of a group of requests.
type completion struct {
	wg  sync.WaitGroup
	mu  sync.Mutex
	err error
}

func (c *completion) add(r *blockdev.Request) {
	c.wg.Add(1)
	r.Done = func(err error) {
		if err != nil {
			c.mu.Lock()
			c.err = multierr.Append(c.err, err)
			c.mu.Unlock()
		}
		c.wg.Done()
	}
}

func (c *completion) wait() error {
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

// Handle writes comming from the buse library. writes contain number write
// commands in this call and chunk contains memory where these commands are
// stored together with their data. First part of the chunk are metadata, until
// metadata_size and the rest are data of all writes in the same order.
//
// Every write becomes one request. Requests are forwarded concurrently except
// when a write overlaps an earlier write of the same batch, then all earlier
// writes are finished first so the later data wins.
func (p *Proxy) BuseWrite(writes int64, chunk []byte) error {
	metadata := chunk[:p.metadata_size]
	data := chunk[p.metadata_size:]

	var c completion
	var inflight []extent

	for i := int64(0); i < writes; i++ {
		e := parseExtent(metadata[:p.write_item_size])
		metadata = metadata[p.write_item_size:]

		if overlapsAny(e, inflight) {
			c.wg.Wait()
			inflight = inflight[:0]
		}
		inflight = append(inflight, e)

		r := &blockdev.Request{
			Op:     blockdev.OpWrite,
			Offset: e.offset,
			Buf:    data[:e.length],
		}
		data = data[e.length:]

		c.add(r)
		p.dev.Map(r)
	}

	err := c.wait()
	if err != nil {
		log.Info().Err(err).Int64("writes", writes).Msg("Write batch failed")
	}

	return err
}

// Read extent starting at sector with length blocks into chunk.
func (p *Proxy) BuseRead(sector, length int64, chunk []byte) error {
	var c completion

	r := &blockdev.Request{
		Op:     blockdev.OpRead,
		Offset: sector * p.blockSize,
		Buf:    chunk[:length*p.blockSize],
	}

	c.add(r)
	p.dev.Map(r)

	err := c.wait()
	if err != nil {
		log.Info().Err(err).Int64("sector", sector).Int64("length", length).Msg("Read failed")
	}

	return err
}

func (p *Proxy) BusePreRun() {
	log.Debug().Msg("BUSE device connected")
}

func (p *Proxy) BusePostRemove() {
	log.Debug().Msg("BUSE device disconnected")
}

// Parses write extent information from 32 bytes of raw memory. The memory is
// one write in metadata section of the chunk. Sequential number and flag in
// the second half are not needed for forwarding.
func parseExtent(b []byte) extent {
	return extent{
		offset: int64(binary.LittleEndian.Uint64(b[:8]) * sectorUnit),
		length: int64(binary.LittleEndian.Uint64(b[8:16]) * sectorUnit),
	}
}

func overlapsAny(e extent, others []extent) bool {
	for _, o := range others {
		if e.offset < o.offset+o.length && o.offset < e.offset+e.length {
			return true
		}
	}

	return false
}
