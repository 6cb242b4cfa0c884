package dashboard

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"marketsync/logger"
)

// resourceSample is one reading of host and process utilisation.
type resourceSample struct {
	Timestamp     time.Time `json:"timestamp"`
	HostCPU       float64   `json:"host_cpu_percent"`
	HostMemoryPct float64   `json:"host_memory_percent"`
	ProcessCPU    float64   `json:"process_cpu_percent"`
	ProcessRSS    uint64    `json:"process_rss_bytes"`
	Goroutines    int       `json:"goroutines"`
}

type resourceSampler struct {
	mu       sync.RWMutex
	samples  []resourceSample
	limit    int
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logger.Log
}

// Replaced in tests.
var (
	hostCPUFn = func(ctx context.Context) ([]float64, error) {
		return cpu.PercentWithContext(ctx, 0, false)
	}
	hostMemoryFn  = mem.VirtualMemoryWithContext
	processStatFn = func(ctx context.Context) (float64, uint64, error) {
		p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
		if err != nil {
			return 0, 0, err
		}
		pct, err := p.CPUPercentWithContext(ctx)
		if err != nil {
			return 0, 0, err
		}
		info, err := p.MemoryInfoWithContext(ctx)
		if err != nil {
			return 0, 0, err
		}
		return pct, info.RSS, nil
	}
)

func newResourceSampler(limit int, interval time.Duration, log *logger.Log) *resourceSampler {
	if limit <= 0 {
		limit = 200
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &resourceSampler{limit: limit, interval: interval, log: log}
}

func (s *resourceSampler) start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			s.sample(runCtx)
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *resourceSampler) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// sample records whatever readings succeed; failed readings stay zero.
func (s *resourceSampler) sample(ctx context.Context) {
	entry := s.log.WithComponent("resource_sampler")
	rs := resourceSample{Timestamp: time.Now(), Goroutines: runtime.NumGoroutine()}

	if pcts, err := hostCPUFn(ctx); err != nil {
		entry.WithError(err).Debug("failed to sample host cpu")
	} else if len(pcts) > 0 {
		rs.HostCPU = pcts[0]
	}
	if vm, err := hostMemoryFn(ctx); err != nil {
		entry.WithError(err).Debug("failed to sample host memory")
	} else {
		rs.HostMemoryPct = vm.UsedPercent
	}
	if pct, rss, err := processStatFn(ctx); err != nil {
		entry.WithError(err).Debug("failed to sample process")
	} else {
		rs.ProcessCPU, rs.ProcessRSS = pct, rss
	}

	s.mu.Lock()
	s.samples = append(s.samples, rs)
	if len(s.samples) > s.limit {
		s.samples = append([]resourceSample(nil), s.samples[len(s.samples)-s.limit:]...)
	}
	s.mu.Unlock()

	entry.LogMetric("resource_sampler", "goroutines", rs.Goroutines, "gauge", nil)
}

func (s *resourceSampler) snapshot() []resourceSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]resourceSample{}, s.samples...)
}
