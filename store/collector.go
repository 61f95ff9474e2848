package store

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports the root pebble DB internals of one store.
type Collector struct {
	s *Store

	memtableSize  *prometheus.Desc
	memtableCount *prometheus.Desc
	walSize       *prometheus.Desc
	walBytesIn    *prometheus.Desc
	compactions   *prometheus.Desc
	openLayers    *prometheus.Desc
}

// NewCollector labels every metric with replica so that several stores can
// share one registry.
func NewCollector(s *Store, replica string) *Collector {
	labels := prometheus.Labels{"replica": replica}
	return &Collector{
		s: s,
		memtableSize: prometheus.NewDesc(
			"optimist_store_memtable_size_bytes",
			"Current size of the root memtable in bytes",
			nil, labels,
		),
		memtableCount: prometheus.NewDesc(
			"optimist_store_memtable_count",
			"Current count of root memtables",
			nil, labels,
		),
		walSize: prometheus.NewDesc(
			"optimist_store_wal_size_bytes",
			"Size of live root WAL data in bytes",
			nil, labels,
		),
		walBytesIn: prometheus.NewDesc(
			"optimist_store_wal_bytes_in_total",
			"Total logical bytes written to the root WAL",
			nil, labels,
		),
		compactions: prometheus.NewDesc(
			"optimist_store_compaction_count_total",
			"Total number of root compactions performed",
			nil, labels,
		),
		openLayers: prometheus.NewDesc(
			"optimist_store_open_layers",
			"Transaction layers currently open",
			nil, labels,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.memtableSize
	ch <- c.memtableCount
	ch <- c.walSize
	ch <- c.walBytesIn
	ch <- c.compactions
	ch <- c.openLayers
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.openLayers, prometheus.GaugeValue, float64(c.s.Depth()))
	if c.s.db == nil {
		return
	}
	metrics := c.s.db.Metrics()
	ch <- prometheus.MustNewConstMetric(
		c.memtableSize,
		prometheus.GaugeValue,
		float64(metrics.MemTable.Size),
	)
	ch <- prometheus.MustNewConstMetric(
		c.memtableCount,
		prometheus.GaugeValue,
		float64(metrics.MemTable.Count),
	)
	ch <- prometheus.MustNewConstMetric(
		c.walSize,
		prometheus.GaugeValue,
		float64(metrics.WAL.Size),
	)
	ch <- prometheus.MustNewConstMetric(
		c.walBytesIn,
		prometheus.CounterValue,
		float64(metrics.WAL.BytesIn),
	)
	ch <- prometheus.MustNewConstMetric(
		c.compactions,
		prometheus.CounterValue,
		float64(metrics.Compact.Count),
	)
}
