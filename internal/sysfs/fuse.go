// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package sysfs

import (
	"context"
	"fmt"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog/log"
)

// Tree is a FUSE filesystem with attributes as read-only files. It can be
// filled before it is mounted.
type Tree struct {
	root   *fs.Inode
	rawFS  fuse.RawFileSystem
	opts   *fs.Options
	server *fuse.Server

	// Serializes changes of the tree structure.
	mu sync.Mutex
}

// Attribute file. Every open takes a fresh snapshot by calling show.
type attrNode struct {
	fs.Inode
	show ShowFunc
}

// Snapshot taken by one open, all reads through it see the same text.
type attrHandle struct {
	data []byte
}

// Returns the snapshot of the handle or a fresh one when there is none.
func (n *attrNode) content(f fs.FileHandle) []byte {
	if h, ok := f.(*attrHandle); ok {
		return h.data
	}

	return n.show()
}

var (
	_ = (fs.NodeOpener)((*attrNode)(nil))
	_ = (fs.NodeReader)((*attrNode)(nil))
	_ = (fs.NodeGetattrer)((*attrNode)(nil))
)

func NewTree(name string) *Tree {
	root := &fs.Inode{}
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:   name,
			FsName: name,
		},
	}

	return &Tree{
		root:  root,
		rawFS: fs.NewNodeFS(root, opts),
		opts:  opts,
	}
}

// Mount exposes the tree at mountpoint.
func (t *Tree) Mount(mountpoint string) error {
	server, err := fuse.NewServer(t.rawFS, mountpoint, &t.opts.MountOptions)
	if err != nil {
		return fmt.Errorf("failed to mount %s: %w", mountpoint, err)
	}

	go server.Serve()
	if err := server.WaitMount(); err != nil {
		server.Unmount()
		return fmt.Errorf("failed to mount %s: %w", mountpoint, err)
	}

	t.mu.Lock()
	t.server = server
	t.mu.Unlock()

	log.Info().Str("mountpoint", mountpoint).Msg("Statistics filesystem mounted")

	return nil
}

// Unmount detaches the tree from its mountpoint.
func (t *Tree) Unmount() error {
	t.mu.Lock()
	server := t.server
	t.server = nil
	t.mu.Unlock()

	if server == nil {
		return nil
	}

	return server.Unmount()
}

// Publish creates the attribute file and all missing directories on its
// path.
func (t *Tree) Publish(path string, show ShowFunc) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ctx := context.Background()
	dir := t.root
	for _, name := range parts[:len(parts)-1] {
		child := dir.GetChild(name)
		if child == nil {
			child = dir.NewPersistentInode(ctx, &fs.Inode{}, fs.StableAttr{Mode: fuse.S_IFDIR})
			dir.AddChild(name, child, false)
		} else if !child.IsDir() {
			return fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, name)
		}
		dir = child
	}

	name := parts[len(parts)-1]
	node := dir.NewPersistentInode(ctx, &attrNode{show: show}, fs.StableAttr{Mode: fuse.S_IFREG})
	if !dir.AddChild(name, node, false) {
		return fmt.Errorf("%w: %s", ErrExists, path)
	}

	return nil
}

// Remove deletes the attribute file. Directories stay.
func (t *Tree) Remove(path string) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	dir := t.root
	for _, name := range parts[:len(parts)-1] {
		if dir = dir.GetChild(name); dir == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
	}

	name := parts[len(parts)-1]
	if ok, _ := dir.RmChild(name); !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	if t.server != nil {
		dir.NotifyEntry(name)
	}

	return nil
}

func (n *attrNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}

	// Content differs between opens, the kernel must not cache it.
	return &attrHandle{data: n.show()}, fuse.FOPEN_DIRECT_IO, 0
}

func (n *attrNode) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data := n.content(f)
	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil), 0
	}

	end := off + int64(len(dest))
	if end > int64(len(data)) {
		end = int64(len(data))
	}

	return fuse.ReadResultData(data[off:end]), 0
}

func (n *attrNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0444
	out.Size = uint64(len(n.content(f)))

	return 0
}
