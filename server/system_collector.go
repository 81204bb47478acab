package server

import (
	"expvar"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemCollector samples host CPU, memory and disk usage and publishes them
// through expvar next to the region metrics.
type SystemCollector struct {
	cpuUsagePercent *expvar.Float
	memUsagePercent *expvar.Float
	diskUsage       *expvar.Float
	diskPath        string
	interval        time.Duration
	stopOnce        sync.Once
	stopChan        chan struct{}
	wg              sync.WaitGroup
	logger          *slog.Logger
}

// NewSystemCollector creates a collector. diskPath is the volume to report,
// normally the engine data directory.
func NewSystemCollector(diskPath string, interval time.Duration, logger *slog.Logger) *SystemCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SystemCollector{
		cpuUsagePercent: publishFloat("system_cpu_usage_percent"),
		memUsagePercent: publishFloat("system_mem_usage_percent"),
		diskUsage:       publishFloat("system_disk_usage_percent"),
		diskPath:        diskPath,
		interval:        interval,
		stopChan:        make(chan struct{}),
		logger:          logger.With("component", "SystemCollector"),
	}
}

// publishFloat reuses an already published variable so a second collector in
// the same process does not panic.
func publishFloat(name string) *expvar.Float {
	if v, ok := expvar.Get(name).(*expvar.Float); ok {
		return v
	}
	return expvar.NewFloat(name)
}

// Start begins the background collection loop.
func (sc *SystemCollector) Start() {
	sc.logger.Info("Starting system metrics collector", "interval", sc.interval, "disk_path", sc.diskPath)
	sc.wg.Add(1)
	go sc.collectLoop()
}

// Stop signals the collection loop to terminate and waits for it to finish.
func (sc *SystemCollector) Stop() {
	sc.stopOnce.Do(func() {
		sc.logger.Info("Stopping system metrics collector")
		close(sc.stopChan)
	})
	sc.wg.Wait()
}

// Collect takes one sample.
func (sc *SystemCollector) Collect() {
	// cpu.Percent blocks for the sample window; keep it under the tick.
	window := sc.interval / 2
	if window > time.Second {
		window = time.Second
	}
	if percents, err := cpu.Percent(window, false); err == nil && len(percents) > 0 {
		sc.cpuUsagePercent.Set(percents[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		sc.memUsagePercent.Set(vm.UsedPercent)
	}
	if du, err := disk.Usage(sc.diskPath); err == nil {
		sc.diskUsage.Set(du.UsedPercent)
	} else {
		sc.logger.Debug("Disk usage unavailable", "path", sc.diskPath, "error", err)
	}
}

func (sc *SystemCollector) collectLoop() {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sc.Collect()
		case <-sc.stopChan:
			return
		}
	}
}
