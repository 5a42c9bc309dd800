package probe

import "runtime"

// Resources holds process resource metrics reported by the heartbeat.
type Resources struct {
	MemAllocMB float64 `json:"mem_alloc_mb"`
	MemSysMB   float64 `json:"mem_sys_mb"`
	Goroutines int     `json:"goroutines"`
	OpenFDs    int     `json:"open_fds"` // -1 if unavailable
	MaxFDs     int     `json:"max_fds"`  // -1 if unavailable
}

const bytesPerMB = 1024 * 1024

func collectResources() Resources {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	openFDs, maxFDs := fdUsage()
	return Resources{
		MemAllocMB: float64(m.Alloc) / bytesPerMB,
		MemSysMB:   float64(m.Sys) / bytesPerMB,
		Goroutines: runtime.NumGoroutine(),
		OpenFDs:    openFDs,
		MaxFDs:     maxFDs,
	}
}
