// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package enclave

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/enclave/lib/heap"
)

// MetricsNamespace prefixes every metric the runtime exports.
const MetricsNamespace = "enclave"

// collector reads the runtime's counters on every scrape. It holds no
// state of its own, so a scrape after Close reports the final values.
type collector struct {
	runtime *Runtime

	crossings    *prometheus.Desc
	rejected     *prometheus.Desc
	hostFailures *prometheus.Desc

	heapArena  *prometheus.Desc
	heapInUse  *prometheus.Desc
	heapLive   *prometheus.Desc
	heapAllocs *prometheus.Desc
	heapFrees  *prometheus.Desc

	threadsLive *prometheus.Desc

	filesOpen   *prometheus.Desc
	cacheHits   *prometheus.Desc
	cacheMisses *prometheus.Desc
}

// Collector returns a prometheus.Collector over the gateway, both
// heaps, the thread table and the protected file system. Heap metrics
// carry a "heap" label of "enclave" or "shared".
func (r *Runtime) Collector() prometheus.Collector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(MetricsNamespace, subsystem, name), help, labels, nil)
	}
	return &collector{
		runtime: r,

		crossings:    desc("boundary", "crossings_total", "Boundary crossings issued."),
		rejected:     desc("boundary", "rejected_total", "Crossings whose host response failed validation."),
		hostFailures: desc("boundary", "host_failures_total", "Crossings the host reported as failed."),

		heapArena:  desc("heap", "arena_bytes", "Size of the heap arena.", "heap"),
		heapInUse:  desc("heap", "in_use_bytes", "Bytes currently allocated.", "heap"),
		heapLive:   desc("heap", "live_blocks", "Blocks currently allocated.", "heap"),
		heapAllocs: desc("heap", "allocs_total", "Allocations served.", "heap"),
		heapFrees:  desc("heap", "frees_total", "Blocks released.", "heap"),

		threadsLive: desc("threads", "live", "Enclave threads in the thread table."),

		filesOpen:   desc("pfs", "open_files", "Protected files with at least one open handle."),
		cacheHits:   desc("pfs", "cache_hits_total", "Block reads served from the verified-block cache."),
		cacheMisses: desc("pfs", "cache_misses_total", "Block reads that crossed the boundary."),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.crossings, c.rejected, c.hostFailures,
		c.heapArena, c.heapInUse, c.heapLive, c.heapAllocs, c.heapFrees,
		c.threadsLive,
		c.filesOpen, c.cacheHits, c.cacheMisses,
	} {
		ch <- d
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	r := c.runtime

	gateway := r.gateway.Stats()
	ch <- prometheus.MustNewConstMetric(c.crossings, prometheus.CounterValue, float64(gateway.Crossings))
	ch <- prometheus.MustNewConstMetric(c.rejected, prometheus.CounterValue, float64(gateway.Rejected))
	ch <- prometheus.MustNewConstMetric(c.hostFailures, prometheus.CounterValue, float64(gateway.HostFailures))

	c.collectHeap(ch, "enclave", r.heap.Stats())
	c.collectHeap(ch, "shared", r.shared.Stats())

	ch <- prometheus.MustNewConstMetric(c.threadsLive, prometheus.GaugeValue, float64(r.threads.Live()))

	files := r.fs.Stats()
	ch <- prometheus.MustNewConstMetric(c.filesOpen, prometheus.GaugeValue, float64(files.OpenFiles))
	ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(files.CacheHits))
	ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.CounterValue, float64(files.CacheMisses))
}

func (c *collector) collectHeap(ch chan<- prometheus.Metric, label string, stats heap.Stats) {
	ch <- prometheus.MustNewConstMetric(c.heapArena, prometheus.GaugeValue, float64(stats.ArenaBytes), label)
	ch <- prometheus.MustNewConstMetric(c.heapInUse, prometheus.GaugeValue, float64(stats.InUseBytes), label)
	ch <- prometheus.MustNewConstMetric(c.heapLive, prometheus.GaugeValue, float64(stats.LiveBlocks), label)
	ch <- prometheus.MustNewConstMetric(c.heapAllocs, prometheus.CounterValue, float64(stats.Allocs), label)
	ch <- prometheus.MustNewConstMetric(c.heapFrees, prometheus.CounterValue, float64(stats.Frees), label)
}
