// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package nbd implements underlying devices exported by an NBD server. The
// identifier is an NBD URI, e.g. nbd://host:10809/export or
// nbd+unix:///export?socket=/tmp/nbd.sock.
package nbd

import (
	"fmt"

	"libguestfs.org/libnbd"

	"github.com/asch/dmp/internal/blockdev"
)

// URI schemes served by this package.
var Schemes = []string{"nbd", "nbds", "nbd+unix", "nbds+unix"}

type nbd struct {
	handle *libnbd.Libnbd
	size   int64
}

// Open is blockdev.Opener for NBD URIs. libnbd handles are safe for
// concurrent use, so one connection serves all queue workers.
func Open(uri string, mode blockdev.Mode) (blockdev.Handle, error) {
	h, err := libnbd.Create()
	if err != nil {
		return nil, err
	}

	n := &nbd{handle: h}

	if err := n.connect(uri, mode); err != nil {
		h.Close()
		return nil, err
	}

	return n, nil
}

func (n *nbd) connect(uri string, mode blockdev.Mode) error {
	if err := n.handle.ConnectUri(uri); err != nil {
		return err
	}

	size, err := n.handle.GetSize()
	if err != nil {
		return err
	}
	n.size = int64(size)

	if mode == blockdev.ReadWrite {
		ro, err := n.handle.IsReadOnly()
		if err != nil {
			return err
		}
		if ro {
			return fmt.Errorf("%w: %s", blockdev.ErrReadOnly, uri)
		}
	}

	return nil
}

func (n *nbd) ReadAt(p []byte, off int64) error {
	return n.handle.Pread(p, uint64(off), nil)
}

func (n *nbd) WriteAt(p []byte, off int64) error {
	return n.handle.Pwrite(p, uint64(off), nil)
}

func (n *nbd) Flush() error {
	return n.handle.Flush(nil)
}

func (n *nbd) Size() int64 {
	return n.size
}

// Close shuts the connection down. libnbd reports no meaningful error
// here.
func (n *nbd) Close() error {
	n.handle.Close()
	return nil
}
