package logger

import (
	"context"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsStream   int64
	errorsSnapshot int64
	warnsStream    int64
	warnsSnapshot  int64
	reconnects     int64
	events         sync.Map // "exchange/topic" -> *int64
	drops          sync.Map // "exchange/topic" -> *int64
	channels       sync.Map // name -> *channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "snapshot") {
		atomic.AddInt64(&warnsSnapshot, 1)
	} else if strings.Contains(component, "stream") || strings.Contains(component, "synchronizer") {
		atomic.AddInt64(&warnsStream, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "snapshot") {
		atomic.AddInt64(&errorsSnapshot, 1)
	} else if strings.Contains(component, "stream") || strings.Contains(component, "synchronizer") {
		atomic.AddInt64(&errorsStream, 1)
	}
}

// IncrementEvent counts one normalized event handed to the output queue.
func IncrementEvent(exchange, topic string) {
	addCounter(&events, exchange+"/"+topic)
}

// IncrementDrop counts one malformed message dropped by a stream.
func IncrementDrop(exchange, topic string) {
	addCounter(&drops, exchange+"/"+topic)
}

func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

// RecordChannelMessage counts a received frame of size bytes on a named channel.
func RecordChannelMessage(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func addCounter(m *sync.Map, key string) {
	v, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func snapshotCounters(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

// Report is one runtime sample.
type Report struct {
	Goroutines     int
	CPUPercent     float64
	MemoryMB       float64
	DiskMB         float64
	NetBytesSent   uint64
	NetBytesRecv   uint64
	ErrorsStream   int64
	ErrorsSnapshot int64
	WarnsStream    int64
	WarnsSnapshot  int64
	Reconnects     int64
	Events         map[string]int64
	Drops          map[string]int64
	Channels       map[string]map[string]int64
}

// ReportPublisher receives every report after it has been logged.
type ReportPublisher func(ctx context.Context, r Report)

// StartReport begins periodic logging of runtime statistics. publish may be nil.
func StartReport(ctx context.Context, log *Log, interval time.Duration, publish ReportPublisher) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r := CollectReport()
				logReport(log, r)
				if publish != nil {
					publish(ctx, r)
				}
			}
		}
	}()
}

// CollectReport samples host stats and the package counters.
func CollectReport() Report {
	r := Report{
		Goroutines:     runtime.NumGoroutine(),
		ErrorsStream:   atomic.LoadInt64(&errorsStream),
		ErrorsSnapshot: atomic.LoadInt64(&errorsSnapshot),
		WarnsStream:    atomic.LoadInt64(&warnsStream),
		WarnsSnapshot:  atomic.LoadInt64(&warnsSnapshot),
		Reconnects:     atomic.LoadInt64(&reconnects),
		Events:         snapshotCounters(&events),
		Drops:          snapshotCounters(&drops),
		Channels:       map[string]map[string]int64{},
	}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		r.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		r.MemoryMB = float64(vm.Used) / 1024 / 1024
	}
	if du, err := disk.Usage("/"); err == nil {
		r.DiskMB = float64(du.Used) / 1024 / 1024
	}
	if nc, err := gnet.IOCounters(false); err == nil && len(nc) > 0 {
		r.NetBytesSent = nc[0].BytesSent
		r.NetBytesRecv = nc[0].BytesRecv
	}

	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		r.Channels[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})
	return r
}

func logReport(log *Log, r Report) {
	keys := make([]string, 0, len(r.Events))
	for k := range r.Events {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	log.WithComponent("report").WithFields(Fields{
		"goroutines":      r.Goroutines,
		"cpu_percent":     r.CPUPercent,
		"memory_mb":       int64(r.MemoryMB),
		"disk_mb":         int64(r.DiskMB),
		"net_bytes_sent":  r.NetBytesSent,
		"net_bytes_recv":  r.NetBytesRecv,
		"errors_stream":   r.ErrorsStream,
		"errors_snapshot": r.ErrorsSnapshot,
		"warns_stream":    r.WarnsStream,
		"warns_snapshot":  r.WarnsSnapshot,
		"reconnects":      r.Reconnects,
		"event_channels":  keys,
		"events":          r.Events,
		"drops":           r.Drops,
		"channels":        r.Channels,
	}).Info("runtime report")
}
