// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package s3 implements underlying devices stored in object storage. The
// device is split into chunks of fixed size and every chunk is one object.
// Chunks which were never written do not exist and read as zeroes. The
// identifier is s3://bucket/prefix.
package s3

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/asch/dmp/internal/blockdev"
)

const (
	// Scheme of identifiers served by this package.
	Scheme = "s3"

	// Format string for the chunk key. We split the chunk number into
	// halves and use the lower half of bits as s3 prefix and upper half
	// for the object key. This is to prevent s3 rate limiting which is
	// applied to objects with the same prefix.
	keyFmt = "%08x/%08x"

	// Number of locks guarding read-modify-write cycles of partially
	// written chunks. Chunks share locks by their number modulo this.
	lockStripes = 64
)

var ErrNotFound = errors.New("object not found")

// Interface for the object backend. Anything implementing this interface can
// be used as a storage of chunks.
type ObjectStore interface {
	// Uploads data in buf under the key identifier.
	Upload(key string, buf []byte) error

	// Downloads data into buf starting from offset in the object
	// identified by key. The length of buf is the legth of requested data.
	// Returns ErrNotFound when there is no such object.
	DownloadAt(key string, buf []byte, offset int64) error
}

// Options of S3 backed devices.
type Options struct {
	Remote    string
	Region    string
	AccessKey string
	SecretKey string

	// Size of one chunk object in bytes.
	ChunkSize int64

	// Size of the device in bytes.
	Size int64
}

type device struct {
	store     ObjectStore
	prefix    string
	chunkSize int64
	size      int64
	locks     [lockStripes]sync.Mutex
}

// Opener returns blockdev.Opener for s3://bucket/prefix identifiers.
func Opener(o Options) blockdev.Opener {
	return func(identifier string, mode blockdev.Mode) (blockdev.Handle, error) {
		bucket, prefix, err := parseIdentifier(identifier)
		if err != nil {
			return nil, err
		}

		c, err := NewClient(ClientOptions{
			Remote:    o.Remote,
			Region:    o.Region,
			Bucket:    bucket,
			AccessKey: o.AccessKey,
			SecretKey: o.SecretKey,
		})
		if err != nil {
			return nil, err
		}

		return NewDevice(c, prefix, o.ChunkSize, o.Size)
	}
}

// Splits s3://bucket/prefix into bucket and prefix.
func parseIdentifier(identifier string) (string, string, error) {
	u, err := url.Parse(identifier)
	if err != nil {
		return "", "", err
	}

	if u.Scheme != Scheme || u.Host == "" {
		return "", "", fmt.Errorf("invalid s3 device %q", identifier)
	}

	return u.Host, strings.Trim(u.Path, "/"), nil
}

// NewDevice returns device of size bytes stored in store as chunkSize big
// objects with keys prefixed by prefix.
func NewDevice(store ObjectStore, prefix string, chunkSize, size int64) (blockdev.Handle, error) {
	if chunkSize <= 0 || size <= 0 {
		return nil, fmt.Errorf("invalid s3 device geometry: chunk %d size %d", chunkSize, size)
	}

	return &device{
		store:     store,
		prefix:    prefix,
		chunkSize: chunkSize,
		size:      size,
	}, nil
}

// Key of the object with chunk.
func (d *device) key(chunk int64) string {
	left := (chunk >> 32) & 0xffffffff
	right := chunk & 0xffffffff

	k := fmt.Sprintf(keyFmt, right, left)
	if d.prefix == "" {
		return k
	}

	return d.prefix + "/" + k
}

// Calls fn concurrently for every chunk covered by p placed at off. Each call
// gets the chunk number, the offset inside the chunk and the part of p
// belonging to the chunk.
func (d *device) forEachChunk(p []byte, off int64, fn func(chunk, chunkOff int64, part []byte) error) error {
	var g errgroup.Group

	for len(p) > 0 {
		chunk := off / d.chunkSize
		chunkOff := off % d.chunkSize

		n := d.chunkSize - chunkOff
		if n > int64(len(p)) {
			n = int64(len(p))
		}

		part := p[:n]
		g.Go(func() error {
			return fn(chunk, chunkOff, part)
		})

		p = p[n:]
		off += n
	}

	return g.Wait()
}

func (d *device) ReadAt(p []byte, off int64) error {
	return d.forEachChunk(p, off, func(chunk, chunkOff int64, part []byte) error {
		err := d.store.DownloadAt(d.key(chunk), part, chunkOff)
		if errors.Is(err, ErrNotFound) {
			clear(part)
			return nil
		}

		return err
	})
}

// WriteAt uploads whole chunks directly. Partially covered chunks are
// downloaded, patched and uploaded again. Both happen under the chunk lock.
func (d *device) WriteAt(p []byte, off int64) error {
	return d.forEachChunk(p, off, func(chunk, chunkOff int64, part []byte) error {
		l := &d.locks[chunk%lockStripes]
		l.Lock()
		defer l.Unlock()

		if int64(len(part)) == d.chunkSize {
			return d.store.Upload(d.key(chunk), part)
		}

		object := make([]byte, d.chunkSize)
		err := d.store.DownloadAt(d.key(chunk), object, 0)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		copy(object[chunkOff:], part)

		return d.store.Upload(d.key(chunk), object)
	})
}

// Uploads are synchronous, there is nothing to flush.
func (d *device) Flush() error {
	return nil
}

func (d *device) Size() int64 {
	return d.size
}

func (d *device) Close() error {
	return nil
}
