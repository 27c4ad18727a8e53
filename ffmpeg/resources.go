package ffmpeg

import (
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

var ErrInsufficientResources = errors.New("insufficient system resources")

// checkResources verifies that the host has enough headroom to start another
// ffmpeg process. A zero threshold disables that check.
func (e *Engine) checkResources() error {
	if e.cfg.ThrottleCPU > 0 {
		p, err := cpu.Percent(time.Second, false)
		if err != nil {
			e.log.Warn().Err(err).Msg("could not get CPU usage")
		} else if len(p) > 0 && p[0] > (100.0-e.cfg.ThrottleCPU) {
			return fmt.Errorf("%w: not enough idle CPU (usage %.2f%%, idle threshold %.2f%%)", ErrInsufficientResources, p[0], e.cfg.ThrottleCPU)
		}
	}

	if e.cfg.ThrottleFreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			e.log.Warn().Err(err).Msg("could not get memory usage")
		} else if vm.Available < uint64(e.cfg.ThrottleFreeMem) {
			return fmt.Errorf("%w: not enough free memory (available %d, required %d)", ErrInsufficientResources, vm.Available, e.cfg.ThrottleFreeMem)
		}
	}

	if e.cfg.ThrottleFreeDisk > 0 {
		d, err := disk.Usage(e.cfg.ScratchDir)
		if err != nil {
			e.log.Warn().Err(err).Str("dir", e.cfg.ScratchDir).Msg("could not get disk usage")
		} else if d.Free < uint64(e.cfg.ThrottleFreeDisk) {
			return fmt.Errorf("%w: not enough free disk space (available %d, required %d)", ErrInsufficientResources, d.Free, e.cfg.ThrottleFreeDisk)
		}
	}
	return nil
}
