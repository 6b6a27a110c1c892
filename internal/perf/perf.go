// Package perf samples host utilisation for processor performance reports.
package perf

import (
	"context"
	"errors"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// DefaultWindow is how long CPU usage is measured per sample.
const DefaultWindow = 200 * time.Millisecond

// Sampler reads CPU and memory usage through gopsutil.
type Sampler struct {
	Window time.Duration
}

// NewSampler creates a sampler with DefaultWindow.
func NewSampler() *Sampler {
	return &Sampler{Window: DefaultWindow}
}

// Sample returns CPU and virtual memory usage in percent. A failed reading leaves its
// value at zero and is reported in err; the other reading is still returned.
func (s *Sampler) Sample(ctx context.Context) (cpuPercent, memPercent float64, err error) {
	window := s.Window
	if window <= 0 {
		window = DefaultWindow
	}
	var errs []error
	pct, cerr := cpu.PercentWithContext(ctx, window, false)
	if cerr != nil {
		errs = append(errs, cerr)
	} else if len(pct) > 0 {
		cpuPercent = pct[0]
	}
	vm, merr := mem.VirtualMemoryWithContext(ctx)
	if merr != nil {
		errs = append(errs, merr)
	} else {
		memPercent = vm.UsedPercent
	}
	return cpuPercent, memPercent, errors.Join(errs...)
}
