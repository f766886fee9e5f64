package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	daemonCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "keepr",
			Subsystem: "daemon",
			Name:      "cpu_percent",
			Help:      "CPU usage of the supervised process since it started.",
		}, []string{"name"},
	)
	daemonRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "keepr",
			Subsystem: "daemon",
			Name:      "rss_bytes",
			Help:      "Resident memory of the supervised process.",
		}, []string{"name"},
	)
)

// Usage is a point-in-time resource reading for one process.
type Usage struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

// Sample reads CPU and memory usage of pid and publishes it under name.
// ok is false when the process could not be inspected.
func Sample(name string, pid int) (Usage, bool) {
	if pid <= 0 {
		return Usage{}, false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return Usage{}, false
	}
	var u Usage
	cpu, err := p.CPUPercent()
	if err != nil {
		return Usage{}, false
	}
	u.CPUPercent = cpu
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		u.RSSBytes = mem.RSS
	}
	if regOK.Load() {
		daemonCPU.WithLabelValues(name).Set(u.CPUPercent)
		daemonRSS.WithLabelValues(name).Set(float64(u.RSSBytes))
	}
	return u, true
}

// Forget drops per-daemon series for name, used when a daemon goes down.
func Forget(name string) {
	if regOK.Load() {
		daemonCPU.DeleteLabelValues(name)
		daemonRSS.DeleteLabelValues(name)
	}
}
