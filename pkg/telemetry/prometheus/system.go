package prometheus

import (
	"github.com/mackerelio/go-osstat/loadavg"
	"github.com/mackerelio/go-osstat/memory"
	"github.com/prometheus/client_golang/prometheus"
)

type NodeLoad struct {
	NumCPUs    uint32
	CPULoad    float32
	MemoryLoad float32
	LoadAvg1   float64
}

func initSystemStats(nodeID string) {
	labels := prometheus.Labels{"node_id": nodeID}
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace:   livekitNamespace,
			Subsystem:   "node",
			Name:        "cpu_load",
			ConstLabels: labels,
		},
		func() float64 {
			cpuLoad, _, _ := getCPUStats()
			return float64(cpuLoad)
		},
	))
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace:   livekitNamespace,
			Subsystem:   "node",
			Name:        "memory_load",
			ConstLabels: labels,
		},
		func() float64 {
			memoryLoad, _ := getMemoryStats()
			return float64(memoryLoad)
		},
	))
}

func getMemoryStats() (memoryLoad float32, err error) {
	memInfo, err := memory.Get()
	if err != nil {
		return
	}

	if memInfo.Total != 0 {
		memoryLoad = float32(memInfo.Used) / float32(memInfo.Total)
	}
	return
}

// GetNodeLoad samples host load. CPU load is relative to the previous call, so the first sample reads zero.
func GetNodeLoad() (NodeLoad, error) {
	var load NodeLoad
	cpuLoad, numCPUs, err := getCPUStats()
	if err != nil {
		return load, err
	}
	load.CPULoad = cpuLoad
	load.NumCPUs = numCPUs

	// vm_stat may be missing on some hosts, use what is available
	load.MemoryLoad, _ = getMemoryStats()
	if avg, err := loadavg.Get(); err == nil {
		load.LoadAvg1 = avg.Loadavg1
	}
	return load, nil
}
