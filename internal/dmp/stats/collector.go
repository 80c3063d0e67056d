// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsDesc = prometheus.NewDesc(
		"dmp_requests_total",
		"Number of requests forwarded to underlying devices.",
		[]string{"class"}, nil)

	avgSizeDesc = prometheus.NewDesc(
		"dmp_request_avg_size_bytes",
		"Moving average of forwarded request sizes.",
		[]string{"class"}, nil)
)

// Collector exports Statistics to prometheus. Values are taken from a
// snapshot on every scrape, there is no state duplicated in the registry.
type Collector struct {
	stats *Statistics
}

func NewCollector(s *Statistics) *Collector {
	return &Collector{stats: s}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- requestsDesc
	ch <- avgSizeDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	n := c.stats.Snapshot()

	for _, v := range []struct {
		class string
		reqs  uint64
		avg   uint64
	}{
		{"read", n.ReadReqs, n.ReadAvg},
		{"write", n.WriteReqs, n.WriteAvg},
		{"total", n.TotalReqs, n.TotalAvg},
	} {
		ch <- prometheus.MustNewConstMetric(requestsDesc, prometheus.CounterValue, float64(v.reqs), v.class)
		ch <- prometheus.MustNewConstMetric(avgSizeDesc, prometheus.GaugeValue, float64(v.avg), v.class)
	}
}
