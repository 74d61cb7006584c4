package health

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats describes this process's resource usage.
type ProcessStats struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
	Threads    int32   `json:"threads"`
	Goroutines int     `json:"goroutines"`
	UptimeSec  int64   `json:"uptimeSeconds"`
}

// CollectProcess samples the current process. Fields gopsutil cannot read
// on this platform are left zero.
func CollectProcess() (*ProcessStats, error) {
	pid := int32(os.Getpid())
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, err
	}

	stats := &ProcessStats{
		PID:        pid,
		Goroutines: runtime.NumGoroutine(),
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if n, err := p.NumThreads(); err == nil {
		stats.Threads = n
	}
	if created, err := p.CreateTime(); err == nil && created > 0 {
		stats.UptimeSec = int64(time.Since(time.UnixMilli(created)).Seconds())
	}
	return stats, nil
}
