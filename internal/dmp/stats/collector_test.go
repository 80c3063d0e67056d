// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package stats

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	s := New()
	s.Record(Read, 4096)
	s.Record(Write, 8192)

	c := NewCollector(s)
	assert.Equal(t, 6, testutil.CollectAndCount(c))

	expected := `
# HELP dmp_requests_total Number of requests forwarded to underlying devices.
# TYPE dmp_requests_total counter
dmp_requests_total{class="read"} 1
dmp_requests_total{class="total"} 2
dmp_requests_total{class="write"} 1
# HELP dmp_request_avg_size_bytes Moving average of forwarded request sizes.
# TYPE dmp_request_avg_size_bytes gauge
dmp_request_avg_size_bytes{class="read"} 4096
dmp_request_avg_size_bytes{class="total"} 4352
dmp_request_avg_size_bytes{class="write"} 8192
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected)))
}
