// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package sysfs

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func show(s string) ShowFunc {
	return func() []byte { return []byte(s) }
}

func TestSplitPath(t *testing.T) {
	parts, err := splitPath("/stat/volumes/")
	require.NoError(t, err)
	assert.Equal(t, []string{"stat", "volumes"}, parts)

	for _, p := range []string{"", "/", "stat//volumes", "stat/../x"} {
		_, err := splitPath(p)
		assert.ErrorIs(t, err, ErrInvalidPath, p)
	}
}

func TestHTTPDir(t *testing.T) {
	h := NewHTTPDir()
	require.NoError(t, h.Publish("stat/volumes", show("read:\n")))
	assert.ErrorIs(t, h.Publish("stat/volumes", show("")), ErrExists)

	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stat/volumes")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "read:\n", string(body))

	resp, err = http.Post(srv.URL+"/stat/volumes", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	require.NoError(t, h.Remove("stat/volumes"))
	assert.ErrorIs(t, h.Remove("stat/volumes"), ErrNotFound)

	resp, err = http.Get(srv.URL + "/stat/volumes")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type failingDir struct {
	removed []string
}

func (f *failingDir) Publish(path string, show ShowFunc) error {
	return errors.New("no space")
}

func (f *failingDir) Remove(path string) error {
	f.removed = append(f.removed, path)
	return nil
}

func TestGroupUnwinds(t *testing.T) {
	first := NewHTTPDir()
	g := Group{first, &failingDir{}}

	assert.Error(t, g.Publish("stat/volumes", show("x")))

	// The first directory got the attribute and lost it again.
	assert.ErrorIs(t, first.Remove("stat/volumes"), ErrNotFound)
}

func TestGroupPublishRemove(t *testing.T) {
	a, b := NewHTTPDir(), NewHTTPDir()
	g := Group{a, b}

	require.NoError(t, g.Publish("stat/volumes", show("x")))
	assert.ErrorIs(t, a.Publish("stat/volumes", show("x")), ErrExists)
	assert.ErrorIs(t, b.Publish("stat/volumes", show("x")), ErrExists)

	require.NoError(t, g.Remove("stat/volumes"))
	assert.Error(t, g.Remove("stat/volumes"))
}

func TestTreePublishRemove(t *testing.T) {
	tree := NewTree("test")

	require.NoError(t, tree.Publish("stat/volumes", show("abc")))
	assert.ErrorIs(t, tree.Publish("stat/volumes", show("abc")), ErrExists)
	assert.ErrorIs(t, tree.Publish("stat/volumes/x", show("abc")), ErrInvalidPath)

	dir := tree.root.GetChild("stat")
	require.NotNil(t, dir)
	assert.True(t, dir.IsDir())
	require.NotNil(t, dir.GetChild("volumes"))

	require.NoError(t, tree.Remove("stat/volumes"))
	assert.Nil(t, dir.GetChild("volumes"))
	assert.ErrorIs(t, tree.Remove("stat/volumes"), ErrNotFound)
	assert.ErrorIs(t, tree.Remove("other/volumes"), ErrNotFound)

	// Unmounting a never mounted tree is fine.
	assert.NoError(t, tree.Unmount())
}

func TestAttrNode(t *testing.T) {
	tree := NewTree("test")
	require.NoError(t, tree.Publish("volumes", show("hello world")))

	n := tree.root.GetChild("volumes").Operations().(*attrNode)
	ctx := context.Background()

	_, _, errno := n.Open(ctx, syscall.O_RDWR)
	assert.Equal(t, syscall.EROFS, errno)

	_, _, errno = n.Open(ctx, syscall.O_RDONLY)
	assert.Equal(t, syscall.Errno(0), errno)

	res, errno := n.Read(ctx, nil, make([]byte, 5), 6)
	require.Equal(t, syscall.Errno(0), errno)
	data, _ := res.Bytes(nil)
	assert.Equal(t, "world", string(data))

	res, errno = n.Read(ctx, nil, make([]byte, 5), 100)
	require.Equal(t, syscall.Errno(0), errno)
	data, _ = res.Bytes(nil)
	assert.Empty(t, data)
}

func TestAttrNodeReadsOneSnapshot(t *testing.T) {
	reports := []string{"read: 1\n", "read: 22\n", "read: 333\n"}
	calls := 0
	changing := func() []byte {
		r := reports[calls%len(reports)]
		calls++
		return []byte(r)
	}

	tree := NewTree("test")
	require.NoError(t, tree.Publish("volumes", changing))

	n := tree.root.GetChild("volumes").Operations().(*attrNode)
	ctx := context.Background()

	f, _, errno := n.Open(ctx, syscall.O_RDONLY)
	require.Equal(t, syscall.Errno(0), errno)

	var out fuse.AttrOut
	require.Equal(t, syscall.Errno(0), n.Getattr(ctx, f, &out))
	assert.Equal(t, uint64(len("read: 1\n")), out.Size)

	var got []byte
	for off := int64(0); ; off += 3 {
		res, errno := n.Read(ctx, f, make([]byte, 3), off)
		require.Equal(t, syscall.Errno(0), errno)
		data, _ := res.Bytes(nil)
		if len(data) == 0 {
			break
		}
		got = append(got, data...)
	}

	assert.Equal(t, "read: 1\n", string(got))
	assert.Equal(t, 1, calls)

	g, _, errno := n.Open(ctx, syscall.O_RDONLY)
	require.Equal(t, syscall.Errno(0), errno)
	res, _ := n.Read(ctx, g, make([]byte, 64), 0)
	data, _ := res.Bytes(nil)
	assert.Equal(t, "read: 22\n", string(data))
}
