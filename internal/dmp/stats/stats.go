// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package stats aggregates request statistics shared by all proxy devices.
// Counters are plain atomics and averages are lock-free EWMAs, so recording
// never blocks the I/O path and a report can be produced at any time without
// stopping writers. A report taken during recording may mix values from
// before and after a concurrent sample, but every value in it is one that
// really existed.
package stats

import (
	"fmt"
	"os"
	"sync/atomic"
)

// Class of a recorded request.
type Class int

const (
	Read Class = iota
	Write
)

func (c Class) String() string {
	switch c {
	case Read:
		return "read"
	case Write:
		return "write"
	}

	return fmt.Sprintf("class(%d)", int(c))
}

// Format of the report. Six fields in fixed order, one page at most.
const reportFmt = "read:\n" +
	" reqs: %d\n" +
	" avg size: %d\n" +
	"write:\n" +
	" reqs: %d\n" +
	" avg size: %d\n" +
	"total:\n" +
	" reqs: %d\n" +
	" avg size: %d\n"

// Statistics holds request counters and average request sizes for reads,
// writes and both of them together. Only reads and writes are ever recorded,
// hence the total counter is always the sum of the other two.
type Statistics struct {
	readReqs  atomic.Uint64
	writeReqs atomic.Uint64
	totalReqs atomic.Uint64

	readAvg  EWMA
	writeAvg EWMA
	totalAvg EWMA
}

// Snapshot is a copy of all values at one moment.
type Snapshot struct {
	ReadReqs  uint64
	ReadAvg   uint64
	WriteReqs uint64
	WriteAvg  uint64
	TotalReqs uint64
	TotalAvg  uint64
}

func New() *Statistics {
	return &Statistics{}
}

// Record accounts one request of class c with size bytes.
func (s *Statistics) Record(c Class, size uint64) {
	switch c {
	case Read:
		s.readReqs.Add(1)
		s.readAvg.Add(size)
	case Write:
		s.writeReqs.Add(1)
		s.writeAvg.Add(size)
	default:
		return
	}

	s.totalReqs.Add(1)
	s.totalAvg.Add(size)
}

// Snapshot reads all values. Values are read one by one without any lock.
func (s *Statistics) Snapshot() Snapshot {
	return Snapshot{
		ReadReqs:  s.readReqs.Load(),
		ReadAvg:   s.readAvg.Value(),
		WriteReqs: s.writeReqs.Load(),
		WriteAvg:  s.writeAvg.Value(),
		TotalReqs: s.totalReqs.Load(),
		TotalAvg:  s.totalAvg.Value(),
	}
}

// Report renders the statistics as human readable text never longer than a
// memory page.
func (s *Statistics) Report() []byte {
	return s.Snapshot().Format(os.Getpagesize())
}

// Format renders the snapshot and truncates it to limit bytes.
func (n Snapshot) Format(limit int) []byte {
	b := fmt.Appendf(make([]byte, 0, 160), reportFmt,
		n.ReadReqs, n.ReadAvg,
		n.WriteReqs, n.WriteAvg,
		n.TotalReqs, n.TotalAvg)

	if limit >= 0 && len(b) > limit {
		b = b[:limit]
	}

	return b
}
