// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package devmapper

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/dmp/internal/blockdev"
)

var errCreate = errors.New("create failed")

type fakeInstance struct {
	destroyed atomic.Int32
}

func (i *fakeInstance) Size() int64 {
	return 4096
}

// Target forwarding reads by completing them immediately and rejecting the
// rest. Map blocks while block is non-nil.
type fakeTarget struct {
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeTarget) Name() string {
	return "fake"
}

func (f *fakeTarget) Create(args []string, mode blockdev.Mode) (Instance, error) {
	if len(args) == 0 {
		return nil, errCreate
	}

	return &fakeInstance{}, nil
}

func (f *fakeTarget) Destroy(i Instance) {
	i.(*fakeInstance).destroyed.Add(1)
}

func (f *fakeTarget) Map(i Instance, r *blockdev.Request) MapResult {
	if f.block != nil {
		f.entered <- struct{}{}
		<-f.block
	}

	if r.Op != blockdev.OpRead {
		return Rejected
	}

	r.Complete(nil)

	return Forwarded
}

func newTestTable(t *testing.T, target TargetType) *Table {
	r := NewRegistry()
	require.NoError(t, r.Register(target))

	return NewTable(r)
}

func mapWait(d *Device, r *blockdev.Request) (MapResult, error) {
	done := make(chan error, 1)
	r.Done = func(err error) { done <- err }
	res := d.Map(r)

	return res, <-done
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	target := &fakeTarget{}

	require.NoError(t, r.Register(target))
	assert.ErrorIs(t, r.Register(target), ErrTargetExists)

	got, err := r.Lookup("fake")
	require.NoError(t, err)
	assert.Same(t, target, got)

	require.NoError(t, r.Unregister("fake"))
	assert.ErrorIs(t, r.Unregister("fake"), ErrUnknownTarget)

	_, err = r.Lookup("fake")
	assert.ErrorIs(t, err, ErrUnknownTarget)
}

func TestCreateRemove(t *testing.T) {
	table := newTestTable(t, &fakeTarget{})

	d, err := table.Create("dev0", "fake", []string{"/dev/a"}, blockdev.ReadWrite)
	require.NoError(t, err)
	assert.Equal(t, "dev0", d.Name())
	assert.Equal(t, int64(4096), d.Size())

	_, err = table.Create("dev0", "fake", []string{"/dev/b"}, blockdev.ReadWrite)
	assert.ErrorIs(t, err, ErrDeviceExists)

	_, err = table.Create("dev1", "other", []string{"/dev/b"}, blockdev.ReadWrite)
	assert.ErrorIs(t, err, ErrUnknownTarget)

	_, err = table.Create("dev1", "fake", nil, blockdev.ReadWrite)
	assert.ErrorIs(t, err, errCreate)
	assert.Equal(t, []string{"dev0"}, table.Names())

	got, err := table.Get("dev0")
	require.NoError(t, err)
	assert.Same(t, d, got)

	require.NoError(t, table.Remove("dev0"))
	assert.Equal(t, int32(1), d.instance.(*fakeInstance).destroyed.Load())
	assert.ErrorIs(t, table.Remove("dev0"), ErrUnknownDevice)

	_, err = table.Get("dev0")
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestMapResults(t *testing.T) {
	table := newTestTable(t, &fakeTarget{})

	d, err := table.Create("dev0", "fake", []string{"/dev/a"}, blockdev.ReadWrite)
	require.NoError(t, err)

	res, err := mapWait(d, &blockdev.Request{Op: blockdev.OpRead, Buf: make([]byte, 512)})
	assert.Equal(t, Forwarded, res)
	assert.NoError(t, err)

	res, err = mapWait(d, &blockdev.Request{Op: blockdev.OpDiscard, Length: 512})
	assert.Equal(t, Rejected, res)
	assert.ErrorIs(t, err, ErrUnsupportedOperation)

	require.NoError(t, table.Remove("dev0"))

	res, err = mapWait(d, &blockdev.Request{Op: blockdev.OpRead, Buf: make([]byte, 512)})
	assert.Equal(t, Rejected, res)
	assert.ErrorIs(t, err, ErrDeviceRemoved)
}

func TestRemoveWaitsForInflight(t *testing.T) {
	target := &fakeTarget{block: make(chan struct{}), entered: make(chan struct{})}
	table := newTestTable(t, target)

	d, err := table.Create("dev0", "fake", []string{"/dev/a"}, blockdev.ReadWrite)
	require.NoError(t, err)

	mapped := make(chan MapResult)
	go func() {
		mapped <- d.Map(&blockdev.Request{Op: blockdev.OpRead, Buf: make([]byte, 512)})
	}()
	<-target.entered

	removed := make(chan error)
	go func() {
		removed <- table.Remove("dev0")
	}()

	select {
	case <-removed:
		t.Fatal("device removed while a request was being mapped")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int32(0), d.instance.(*fakeInstance).destroyed.Load())

	close(target.block)
	assert.Equal(t, Forwarded, <-mapped)
	require.NoError(t, <-removed)
	assert.Equal(t, int32(1), d.instance.(*fakeInstance).destroyed.Load())
}

func TestRemoveAll(t *testing.T) {
	table := newTestTable(t, &fakeTarget{})

	for _, name := range []string{"b", "a", "c"} {
		_, err := table.Create(name, "fake", []string{name}, blockdev.ReadWrite)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b", "c"}, table.Names())

	require.NoError(t, table.RemoveAll())
	assert.Empty(t, table.Names())
}
