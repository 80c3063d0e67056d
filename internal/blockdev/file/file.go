// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package file implements underlying devices backed by block device nodes or
// regular image files. The file is locked exclusively for the whole time it
// is opened, so two proxies, even in different processes, never share it.
package file

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/asch/dmp/internal/blockdev"
)

type file struct {
	f    *os.File
	size int64
}

// Open is blockdev.Opener for paths.
func Open(path string, mode blockdev.Mode) (blockdev.Handle, error) {
	flags := os.O_RDWR
	if mode == blockdev.ReadOnly {
		flags = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, err
	}

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %v", blockdev.ErrBusy, path, err)
	}

	// Seeking to the end works for both, regular files and block devices,
	// where Stat reports zero size.
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &file{f: f, size: size}, nil
}

func (d *file) ReadAt(p []byte, off int64) error {
	_, err := d.f.ReadAt(p, off)
	return err
}

func (d *file) WriteAt(p []byte, off int64) error {
	_, err := d.f.WriteAt(p, off)
	return err
}

func (d *file) Flush() error {
	return unix.Fdatasync(int(d.f.Fd()))
}

func (d *file) Size() int64 {
	return d.size
}

// Close unlocks the file implicitly.
func (d *file) Close() error {
	return d.f.Close()
}
