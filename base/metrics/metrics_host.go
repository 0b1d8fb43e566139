package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/load"
	"github.com/shirou/gopsutil/mem"

	"github.com/safing/routemon/base/log"
)

const hostStatTTL = 1 * time.Second

// cachedStat caches a host stat for hostStatTTL.
type cachedStat[T any] struct {
	name  string
	fetch func() (*T, error)

	lock    sync.Mutex
	value   *T
	expires time.Time
}

func (c *cachedStat[T]) get() *T {
	c.lock.Lock()
	defer c.lock.Unlock()

	// Return cache if still valid.
	if time.Now().Before(c.expires) {
		return c.value
	}

	// Refresh.
	var err error
	c.value, err = c.fetch()
	if err != nil {
		log.Warningf("metrics: failed to get %s: %s", c.name, err)
		c.value = nil
	}
	c.expires = time.Now().Add(hostStatTTL)

	return c.value
}

// HostStats provides cached system load, memory and disk stats.
type HostStats struct {
	load *cachedStat[load.AvgStat]
	mem  *cachedStat[mem.VirtualMemoryStat]
	disk *cachedStat[disk.UsageStat]
}

// NewHostStats returns host stats. Disk usage is reported for diskPath;
// disk stats are not available if it is empty.
func NewHostStats(diskPath string) *HostStats {
	hs := &HostStats{
		load: &cachedStat[load.AvgStat]{name: "load avg", fetch: load.Avg},
		mem:  &cachedStat[mem.VirtualMemoryStat]{name: "memory stats", fetch: mem.VirtualMemory},
	}
	if diskPath != "" {
		hs.disk = &cachedStat[disk.UsageStat]{
			name:  "disk usage",
			fetch: func() (*disk.UsageStat, error) { return disk.Usage(diskPath) },
		}
	}
	return hs
}

// LoadAvg1 returns the 1-minute average system load per CPU.
func (hs *HostStats) LoadAvg1() (loadAvg float64, ok bool) {
	if stat := hs.load.get(); stat != nil {
		return stat.Load1 / float64(runtime.NumCPU()), true
	}
	return 0, false
}

// LoadAvg5 returns the 5-minute average system load per CPU.
func (hs *HostStats) LoadAvg5() (loadAvg float64, ok bool) {
	if stat := hs.load.get(); stat != nil {
		return stat.Load5 / float64(runtime.NumCPU()), true
	}
	return 0, false
}

// LoadAvg15 returns the 15-minute average system load per CPU.
func (hs *HostStats) LoadAvg15() (loadAvg float64, ok bool) {
	if stat := hs.load.get(); stat != nil {
		return stat.Load15 / float64(runtime.NumCPU()), true
	}
	return 0, false
}

// MemTotal returns the total system memory.
func (hs *HostStats) MemTotal() (total uint64, ok bool) {
	if stat := hs.mem.get(); stat != nil {
		return stat.Total, true
	}
	return 0, false
}

// MemUsed returns the used system memory.
func (hs *HostStats) MemUsed() (used uint64, ok bool) {
	if stat := hs.mem.get(); stat != nil {
		return stat.Used, true
	}
	return 0, false
}

// MemAvailable returns the available system memory.
func (hs *HostStats) MemAvailable() (available uint64, ok bool) {
	if stat := hs.mem.get(); stat != nil {
		return stat.Available, true
	}
	return 0, false
}

// MemUsedPercent returns the percent of used system memory.
func (hs *HostStats) MemUsedPercent() (usedPercent float64, ok bool) {
	if stat := hs.mem.get(); stat != nil {
		return stat.UsedPercent, true
	}
	return 0, false
}

func (hs *HostStats) diskStat() *disk.UsageStat {
	if hs.disk == nil {
		return nil
	}
	return hs.disk.get()
}

// DiskTotal returns the total disk space.
func (hs *HostStats) DiskTotal() (total uint64, ok bool) {
	if stat := hs.diskStat(); stat != nil {
		return stat.Total, true
	}
	return 0, false
}

// DiskUsed returns the used disk space.
func (hs *HostStats) DiskUsed() (used uint64, ok bool) {
	if stat := hs.diskStat(); stat != nil {
		return stat.Used, true
	}
	return 0, false
}

// DiskFree returns the available disk space.
func (hs *HostStats) DiskFree() (free uint64, ok bool) {
	if stat := hs.diskStat(); stat != nil {
		return stat.Free, true
	}
	return 0, false
}

// DiskUsedPercent returns the percent of used disk space.
func (hs *HostStats) DiskUsedPercent() (usedPercent float64, ok bool) {
	if stat := hs.diskStat(); stat != nil {
		return stat.UsedPercent, true
	}
	return 0, false
}

func (r *Registry) registerHostMetrics(hs *HostStats) error {
	gauges := []struct {
		id   string
		name string
		fn   func() float64
	}{
		{"host/load/avg/1", "Host Load Avg 1min", floatStat(hs.LoadAvg1)},
		{"host/load/avg/5", "Host Load Avg 5min", floatStat(hs.LoadAvg5)},
		{"host/load/avg/15", "Host Load Avg 15min", floatStat(hs.LoadAvg15)},
		{"host/mem/total", "Host Memory Total", uintStat(hs.MemTotal)},
		{"host/mem/used", "Host Memory Used", uintStat(hs.MemUsed)},
		{"host/mem/available", "Host Memory Available", uintStat(hs.MemAvailable)},
		{"host/mem/used/percent", "Host Memory Used in Percent", floatStat(hs.MemUsedPercent)},
	}
	if hs.disk != nil {
		gauges = append(gauges, []struct {
			id   string
			name string
			fn   func() float64
		}{
			{"host/disk/total", "Host Disk Total", uintStat(hs.DiskTotal)},
			{"host/disk/used", "Host Disk Used", uintStat(hs.DiskUsed)},
			{"host/disk/free", "Host Disk Free", uintStat(hs.DiskFree)},
			{"host/disk/used/percent", "Host Disk Used in Percent", floatStat(hs.DiskUsedPercent)},
		}...)
	}

	for _, g := range gauges {
		if _, err := r.NewGauge(g.id, nil, g.fn, &Options{Name: g.name}); err != nil {
			return err
		}
	}
	return nil
}

func uintStat(getStat func() (uint64, bool)) func() float64 {
	return func() float64 {
		val, _ := getStat()
		return float64(val)
	}
}

func floatStat(getStat func() (float64, bool)) func() float64 {
	return func() float64 {
		val, _ := getStat()
		return val
	}
}
