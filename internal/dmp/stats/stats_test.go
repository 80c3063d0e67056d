// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package stats

import (
	"os"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var reportRe = regexp.MustCompile(`^read:\n reqs: \d+\n avg size: \d+\nwrite:\n reqs: \d+\n avg size: \d+\ntotal:\n reqs: \d+\n avg size: \d+\n$`)

func TestRecordCounts(t *testing.T) {
	s := New()

	const readers, writers, perWorker = 4, 3, 250

	var wg sync.WaitGroup
	for i := 0; i < readers+writers; i++ {
		c := Read
		if i >= readers {
			c = Write
		}

		wg.Add(1)
		go func(c Class) {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				s.Record(c, 4096)
			}
		}(c)
	}
	wg.Wait()

	n := s.Snapshot()
	assert.Equal(t, uint64(readers*perWorker), n.ReadReqs)
	assert.Equal(t, uint64(writers*perWorker), n.WriteReqs)
	assert.Equal(t, n.ReadReqs+n.WriteReqs, n.TotalReqs)
	assert.Equal(t, uint64(4096), n.TotalAvg)
}

func TestRecordIgnoresUnknownClass(t *testing.T) {
	s := New()
	s.Record(Class(42), 4096)

	assert.Equal(t, Snapshot{}, s.Snapshot())
}

func TestReport(t *testing.T) {
	s := New()
	s.Record(Read, 4096)
	s.Record(Write, 8192)

	expected := "read:\n" +
		" reqs: 1\n" +
		" avg size: 4096\n" +
		"write:\n" +
		" reqs: 1\n" +
		" avg size: 8192\n" +
		"total:\n" +
		" reqs: 2\n" +
		" avg size: 4352\n"

	assert.Equal(t, expected, string(s.Report()))
}

func TestReportShape(t *testing.T) {
	for _, n := range []Snapshot{
		{},
		{ReadReqs: 1, ReadAvg: 2, WriteReqs: 3, WriteAvg: 4, TotalReqs: 4, TotalAvg: 3},
		{
			ReadReqs: ^uint64(0), ReadAvg: ^uint64(0),
			WriteReqs: ^uint64(0), WriteAvg: ^uint64(0),
			TotalReqs: ^uint64(0), TotalAvg: ^uint64(0),
		},
	} {
		out := n.Format(os.Getpagesize())
		assert.Regexp(t, reportRe, string(out))
		assert.LessOrEqual(t, len(out), os.Getpagesize())
	}
}

func TestFormatTruncates(t *testing.T) {
	out := Snapshot{ReadReqs: 7}.Format(12)
	require.Len(t, out, 12)
	assert.Equal(t, "read:\n reqs:", string(out))
}

func TestReportDuringRecord(t *testing.T) {
	s := New()
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				s.Record(Read, 1024)
				s.Record(Write, 1024)
			}
		}
	}()

	for i := 0; i < 100; i++ {
		assert.Regexp(t, reportRe, string(s.Report()))
	}

	close(stop)
	<-done

	n := s.Snapshot()
	assert.Equal(t, n.ReadReqs+n.WriteReqs, n.TotalReqs)
}
