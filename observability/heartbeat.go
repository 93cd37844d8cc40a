package observability

import (
	"runtime"
)

// RuntimeMetrics captures Go process health at a point in time. Sandboxes
// attach it to every HEARTBEAT so the host can spot a leaking preview.
type RuntimeMetrics struct {
	GoroutinesCount int     `json:"goroutines"`
	MemoryAllocMB   float64 `json:"memory_alloc_mb"`
	MemorySysMB     float64 `json:"memory_sys_mb"`
	GCCount         uint32  `json:"gc_count"`
}

// CollectRuntimeMetrics reads current Go runtime stats (~10µs overhead).
func CollectRuntimeMetrics() RuntimeMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return RuntimeMetrics{
		GoroutinesCount: runtime.NumGoroutine(),
		MemoryAllocMB:   float64(mem.Alloc) / 1024 / 1024,
		MemorySysMB:     float64(mem.Sys) / 1024 / 1024,
		GCCount:         mem.NumGC,
	}
}
