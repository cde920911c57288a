package agent

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"dev.helix.conductor/pkg/api"
)

// Sampler reads host cpu, memory and disk utilization for heartbeat reports.
// Samples are cached briefly so registration plus the first beat never read
// /proc twice in a row. Dimensions that cannot be read stay zero; a partial
// report beats no report.
type Sampler struct {
	mu   sync.Mutex
	last api.SystemInfo
	at   time.Time
	ttl  time.Duration
}

// NewSampler returns a sampler with a two second cache.
func NewSampler() *Sampler {
	return &Sampler{ttl: 2 * time.Second}
}

// Sample returns the current host utilization snapshot.
func (s *Sampler) Sample() api.SystemInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Since(s.at) < s.ttl {
		return s.last
	}

	info := api.SystemInfo{OS: runtime.GOOS, Arch: runtime.GOARCH}
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		info.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.MemoryPercent = vm.UsedPercent
	}
	if du, err := disk.Usage("/"); err == nil {
		info.DiskPercent = du.UsedPercent
	}

	s.last = info
	s.at = time.Now()
	return info
}
