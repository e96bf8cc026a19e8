package service

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const notAvailable = "N/A"

// formatDuration renders d at second precision, dropping seconds once it
// spans days.
func formatDuration(d time.Duration) string {
	secs := int64(d.Round(time.Second) / time.Second)
	days, secs := secs/86400, secs%86400
	hours, secs := secs/3600, secs%3600
	mins, secs := secs/60, secs%60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, mins, secs)
	case mins > 0:
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%ds", secs)
}

// processUsage returns the resident memory and CPU share of pid.
func processUsage(pid int) (memory, cpu string) {
	memory, cpu = notAvailable, notAvailable
	if pid <= 0 {
		return
	}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}
	if info, err := p.MemoryInfo(); err == nil {
		memory = formatBytes(int64(info.RSS))
	}
	if pct, err := p.CPUPercent(); err == nil {
		cpu = fmt.Sprintf("%.1f%%", pct)
	}
	return
}

func formatBytes(n int64) string {
	if n < 1024 {
		return fmt.Sprintf("%d B", n)
	}
	units := []string{"KB", "MB", "GB", "TB"}
	v := float64(n) / 1024
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %s", v, units[i])
}
