// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package blockdev is the abstraction of underlying devices requests are
// forwarded to. A device is acquired exclusively by its identifier, requests
// are submitted to it asynchronously and completed through their Done
// callback. The backend doing the real I/O is selected by the identifier
// scheme and can be anything implementing the Handle interface.
package blockdev

import (
	"errors"
	"fmt"
)

var (
	ErrBusy          = errors.New("device is already acquired")
	ErrReadOnly      = errors.New("device is read-only")
	ErrReleased      = errors.New("device was released")
	ErrOutOfRange    = errors.New("request is out of device range")
	ErrNotSupported  = errors.New("operation not supported by device")
	ErrUnknownScheme = errors.New("unknown device scheme")
)

// Access mode of an underlying device.
type Mode int

const (
	ReadWrite Mode = iota
	ReadOnly
)

// Parses mode from its configuration representation, "ro" or "rw".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "rw", "":
		return ReadWrite, nil
	case "ro":
		return ReadOnly, nil
	}

	return ReadWrite, fmt.Errorf("invalid mode %q", s)
}

func (m Mode) String() string {
	if m == ReadOnly {
		return "ro"
	}

	return "rw"
}

// Operation carried by a request.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpFlush
	OpDiscard
	OpWriteZeroes
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFlush:
		return "flush"
	case OpDiscard:
		return "discard"
	case OpWriteZeroes:
		return "write-zeroes"
	}

	return fmt.Sprintf("op(%d)", int(o))
}

// Request is one I/O operation. It lives from its creation by a frontend
// until Done is called, which happens exactly once for every request.
type Request struct {
	Op Op

	// Byte offset on the device.
	Offset int64

	// Data of reads and writes. Reads fill it, writes store it.
	Buf []byte

	// Length in bytes of operations without data, like discard.
	Length int64

	// Device the request is targeted to. Proxies rewrite it to their
	// underlying device.
	Dev *Device

	// Called with the result once the request is finished.
	Done func(error)
}

// Size of the request in bytes.
func (r *Request) Size() int64 {
	if r.Buf != nil {
		return int64(len(r.Buf))
	}

	return r.Length
}

// Complete finishes the request with err.
func (r *Request) Complete(err error) {
	if r.Done != nil {
		r.Done(err)
	}
}

// Handle is an opened backend device. Calls are synchronous and may be
// issued concurrently.
type Handle interface {
	// Reads len(p) bytes from the offset off.
	ReadAt(p []byte, off int64) error

	// Writes p at the offset off.
	WriteAt(p []byte, off int64) error

	// Makes all finished writes durable.
	Flush() error

	// Size of the device in bytes.
	Size() int64

	// Releases all backend resources.
	Close() error
}

// Opener opens a backend device by its identifier in the mode.
type Opener func(identifier string, mode Mode) (Handle, error)

// CheckRange returns ErrOutOfRange when length bytes from off do not fit
// into a device of size bytes.
func CheckRange(off, length, size int64) error {
	if off < 0 || length < 0 || off+length > size {
		return fmt.Errorf("%w: offset %d length %d size %d", ErrOutOfRange, off, length, size)
	}

	return nil
}
