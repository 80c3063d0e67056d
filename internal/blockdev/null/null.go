// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Null package does nothing but correctly.
package null

import (
	"github.com/asch/dmp/internal/blockdev"
)

// Identifier of the null device.
const Identifier = "null"

// Null underlying device. Usefull for measuring performance of the proxy and
// underlying BUSE without any real storage. Reads leave the buffer untouched
// and writes are dropped.
type null struct {
	size int64
}

// Opener returns blockdev.Opener of null devices with given size.
func Opener(size int64) blockdev.Opener {
	return func(identifier string, mode blockdev.Mode) (blockdev.Handle, error) {
		return &null{size: size}, nil
	}
}

func (n *null) ReadAt(p []byte, off int64) error {
	return nil
}

func (n *null) WriteAt(p []byte, off int64) error {
	return nil
}

func (n *null) Flush() error {
	return nil
}

func (n *null) Size() int64 {
	return n.size
}

func (n *null) Close() error {
	return nil
}
