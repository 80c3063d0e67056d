// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package blockdev

import (
	"sync"
)

// Options of the forwarding queue of every acquired device.
type QueueOptions struct {
	// Number of go routines to spawn for handling reads and writes.
	Readers int
	Writers int

	// Number of pending requests preallocated per lane. The lanes grow
	// beyond it when needed.
	Depth int
}

// Queue in front of a backend handle. Reads and writes have their own lane
// and pool of workers so a burst of slow writes does not starve reads.
// Submitting never blocks, pending requests wait in the lane.
type queue struct {
	handle Handle

	reads  *lane
	writes *lane

	workers sync.WaitGroup
}

// FIFO of pending requests. After close it refuses new requests but keeps
// handing out the pending ones until it is empty.
type lane struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []*Request
	closed  bool
}

func newLane(depth int) *lane {
	l := &lane{pending: make([]*Request, 0, depth)}
	l.cond = sync.NewCond(&l.mu)

	return l
}

func (l *lane) push(r *Request) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}

	l.pending = append(l.pending, r)
	l.cond.Signal()

	return true
}

// Waits for the next request. Returns false when the lane is closed and
// drained.
func (l *lane) pop() (*Request, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for len(l.pending) == 0 && !l.closed {
		l.cond.Wait()
	}

	if len(l.pending) == 0 {
		return nil, false
	}

	r := l.pending[0]
	l.pending[0] = nil
	l.pending = l.pending[1:]

	return r, true
}

func (l *lane) close() {
	l.mu.Lock()
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()
}

// Returns new queue which can be directly used. It immediately spawns go
// routines for read and write workers.
func newQueue(h Handle, o QueueOptions) *queue {
	o = o.withDefaults()

	q := &queue{
		handle: h,
		reads:  newLane(o.Depth),
		writes: newLane(o.Depth),
	}

	q.workers.Add(o.Readers + o.Writers)

	for i := 0; i < o.Readers; i++ {
		go q.worker(q.reads)
	}

	for i := 0; i < o.Writers; i++ {
		go q.worker(q.writes)
	}

	return q
}

func (o QueueOptions) withDefaults() QueueOptions {
	if o.Readers < 1 {
		o.Readers = 1
	}

	if o.Writers < 1 {
		o.Writers = 1
	}

	if o.Depth < 0 {
		o.Depth = 0
	}

	return o
}

// Puts the request into the queue. Reads go to the read workers, everything
// else to the write workers. Fails with ErrReleased once the queue is closed.
func (q *queue) submit(r *Request) error {
	l := q.writes
	if r.Op == OpRead {
		l = q.reads
	}

	if !l.push(r) {
		return ErrReleased
	}

	return nil
}

// Stops accepting requests and waits until all queued ones are finished.
func (q *queue) close() {
	q.reads.close()
	q.writes.close()
	q.workers.Wait()
}

// Worker executes requests until the lane is closed and empty.
func (q *queue) worker(l *lane) {
	defer q.workers.Done()

	for {
		r, ok := l.pop()
		if !ok {
			return
		}
		r.Complete(q.execute(r))
	}
}

func (q *queue) execute(r *Request) error {
	if r.Op == OpRead || r.Op == OpWrite {
		if err := CheckRange(r.Offset, r.Size(), q.handle.Size()); err != nil {
			return err
		}
	}

	switch r.Op {
	case OpRead:
		return q.handle.ReadAt(r.Buf, r.Offset)
	case OpWrite:
		return q.handle.WriteAt(r.Buf, r.Offset)
	case OpFlush:
		return q.handle.Flush()
	}

	return ErrNotSupported
}
