package linametrics

import (
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/disk"
)

// diskUsageCollector reports free/used bytes for the filesystem backing a
// data directory, using github.com/shirou/gopsutil/v3/disk's single-call
// usage summary rather than a per-device IO-rate collector, since LiNa
// Store only has one data root to watch.
type diskUsageCollector struct {
	dir string

	freeDesc  *prometheus.Desc
	usedDesc  *prometheus.Desc
	totalDesc *prometheus.Desc
	errDesc   *prometheus.Desc
}

// NewDiskUsageCollector returns a prometheus.Collector reporting free/used/
// total bytes for the filesystem containing dir.
func NewDiskUsageCollector(dir string) prometheus.Collector {
	return &diskUsageCollector{
		dir: dir,
		freeDesc: prometheus.NewDesc(
			"lina_data_disk_free_bytes", "Free bytes on the data directory's filesystem", nil, nil),
		usedDesc: prometheus.NewDesc(
			"lina_data_disk_used_bytes", "Used bytes on the data directory's filesystem", nil, nil),
		totalDesc: prometheus.NewDesc(
			"lina_data_disk_total_bytes", "Total bytes on the data directory's filesystem", nil, nil),
		errDesc: prometheus.NewDesc(
			"lina_data_disk_scrape_errors_total", "Errors scraping disk usage", nil, nil),
	}
}

func (c *diskUsageCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.freeDesc
	ch <- c.usedDesc
	ch <- c.totalDesc
	ch <- c.errDesc
}

func (c *diskUsageCollector) Collect(ch chan<- prometheus.Metric) {
	abs, err := filepath.Abs(c.dir)
	if err != nil {
		ch <- prometheus.MustNewConstMetric(c.errDesc, prometheus.CounterValue, 1)
		return
	}
	usage, err := disk.Usage(abs)
	if err != nil {
		ch <- prometheus.MustNewConstMetric(c.errDesc, prometheus.CounterValue, 1)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.freeDesc, prometheus.GaugeValue, float64(usage.Free))
	ch <- prometheus.MustNewConstMetric(c.usedDesc, prometheus.GaugeValue, float64(usage.Used))
	ch <- prometheus.MustNewConstMetric(c.totalDesc, prometheus.GaugeValue, float64(usage.Total))
}
