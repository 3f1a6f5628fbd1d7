package monitoring

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

const sampleInterval = 2 * time.Second

// SampleSystem feeds the process and host resource gauges until ctx is done.
// Run it in its own goroutine next to the server.
func SampleSystem(ctx context.Context, logger zerolog.Logger) {
	log := logger.With().Str("component", "sysmon").Logger()

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Error().Err(err).Msg("Failed to get process info")
		proc = nil
	}

	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if proc != nil {
				if memInfo, err := proc.MemoryInfo(); err == nil {
					ProcessMemoryBytes.Set(float64(memInfo.RSS))
				}
				if pct, err := proc.CPUPercent(); err == nil {
					ProcessCPUPercent.Set(pct)
				}
			}
			if vmem, err := mem.VirtualMemory(); err == nil {
				SystemMemoryUsedPercent.Set(vmem.UsedPercent)
			}
		}
	}
}
