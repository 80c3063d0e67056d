// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/dmp/internal/blockdev"
)

func newImage(t *testing.T, size int64) string {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return path
}

func TestReadWrite(t *testing.T) {
	path := newImage(t, 1<<20)

	h, err := Open(path, blockdev.ReadWrite)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), h.Size())

	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i)
	}

	require.NoError(t, h.WriteAt(data, 8192))
	require.NoError(t, h.Flush())

	buf := make([]byte, 4096)
	require.NoError(t, h.ReadAt(buf, 8192))
	assert.Equal(t, data, buf)
	require.NoError(t, h.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, raw[8192:8192+4096])
}

func TestExclusive(t *testing.T) {
	path := newImage(t, 4096)

	h, err := Open(path, blockdev.ReadWrite)
	require.NoError(t, err)

	_, err = Open(path, blockdev.ReadOnly)
	assert.ErrorIs(t, err, blockdev.ErrBusy)

	require.NoError(t, h.Close())

	h, err = Open(path, blockdev.ReadOnly)
	require.NoError(t, err)
	require.NoError(t, h.Close())
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	h, err := Open(newImage(t, 4096), blockdev.ReadOnly)
	require.NoError(t, err)
	defer h.Close()

	assert.Error(t, h.WriteAt(make([]byte, 512), 0))
}

func TestMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope"), blockdev.ReadWrite)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
