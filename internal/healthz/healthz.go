// Package healthz exposes process-level diagnostics for the worker's ops
// health endpoint: memory and goroutine counts via gopsutil, the same
// library family the wider pack reaches for rather than hand-rolling
// /proc parsing. This is an ops-only surface, not a domain read.
package healthz

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Snapshot is the liveness/diagnostics payload served on /healthz.
type Snapshot struct {
	Status          string `json:"status"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	Goroutines      int    `json:"goroutines"`
	HeapAllocBytes  uint64 `json:"heap_alloc_bytes"`
	RSSBytes        uint64 `json:"rss_bytes,omitempty"`
	SystemMemUsedPct float64 `json:"system_mem_used_pct,omitempty"`
}

// Checker captures process start time and produces Snapshots against the
// running process and host.
type Checker struct {
	startedAt time.Time
	pid       int32
}

// New returns a Checker anchored to now; call it once at worker startup.
func New(pid int32) *Checker {
	return &Checker{startedAt: time.Now(), pid: pid}
}

// Check reports the current snapshot. gopsutil lookups that fail (sandboxed
// environments without /proc, permission-denied process stats) degrade the
// corresponding field to zero rather than failing the whole health check —
// liveness must not depend on introspection succeeding.
func (c *Checker) Check() Snapshot {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	snap := Snapshot{
		Status:         "ok",
		UptimeSeconds:  int64(time.Since(c.startedAt).Seconds()),
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: m.HeapAlloc,
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.SystemMemUsedPct = vm.UsedPercent
	}
	if proc, err := process.NewProcess(c.pid); err == nil {
		if info, err := proc.MemoryInfo(); err == nil && info != nil {
			snap.RSSBytes = info.RSS
		}
	}
	return snap
}
