package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

type queueStat struct {
	enqueued int64
	dropped  int64
}

var (
	errorsIngest  int64
	errorsStream  int64
	errorsLedger  int64
	warnsIngest   int64
	warnsStream   int64
	warnsLedger   int64
	priceCommits  int64
	eventsFanout  int64
	queues        sync.Map // map[string]*queueStat
)

func recordWarn(component string) {
	switch {
	case strings.Contains(component, "ingest"):
		atomic.AddInt64(&warnsIngest, 1)
	case strings.Contains(component, "stream"):
		atomic.AddInt64(&warnsStream, 1)
	case strings.Contains(component, "ledger"):
		atomic.AddInt64(&warnsLedger, 1)
	}
}

func recordError(component string) {
	switch {
	case strings.Contains(component, "ingest"):
		atomic.AddInt64(&errorsIngest, 1)
	case strings.Contains(component, "stream"):
		atomic.AddInt64(&errorsStream, 1)
	case strings.Contains(component, "ledger"):
		atomic.AddInt64(&errorsLedger, 1)
	}
}

// IncrementPriceCommit counts a committed price command for report mode.
func IncrementPriceCommit() {
	atomic.AddInt64(&priceCommits, 1)
}

// IncrementFanout counts an event delivered to a session queue.
func IncrementFanout() {
	atomic.AddInt64(&eventsFanout, 1)
}

// RecordQueueMessage records an enqueue on a named session queue.
func RecordQueueMessage(name string, dropped bool) {
	v, _ := queues.LoadOrStore(name, &queueStat{})
	qs := v.(*queueStat)
	if dropped {
		atomic.AddInt64(&qs.dropped, 1)
		return
	}
	atomic.AddInt64(&qs.enqueued, 1)
}

// ForgetQueue drops the counters of a closed session queue.
func ForgetQueue(name string) {
	queues.Delete(name)
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(log)
			}
		}
	}()
}

// StartReport begins periodic logging of runtime and queue statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()

	queueData := map[string]map[string]int64{}
	queues.Range(func(k, v any) bool {
		name := k.(string)
		qs := v.(*queueStat)
		queueData[name] = map[string]int64{
			"enqueued": atomic.LoadInt64(&qs.enqueued),
			"dropped":  atomic.LoadInt64(&qs.dropped),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	memMB := int64(0)
	if memStats != nil {
		memMB = int64(memStats.Used) / 1024 / 1024
	}

	log.WithComponent("report").WithFields(Fields{
		"errors_ingest": atomic.LoadInt64(&errorsIngest),
		"errors_stream": atomic.LoadInt64(&errorsStream),
		"errors_ledger": atomic.LoadInt64(&errorsLedger),
		"warns_ingest":  atomic.LoadInt64(&warnsIngest),
		"warns_stream":  atomic.LoadInt64(&warnsStream),
		"warns_ledger":  atomic.LoadInt64(&warnsLedger),
		"price_commits": atomic.LoadInt64(&priceCommits),
		"events_fanout": atomic.LoadInt64(&eventsFanout),
		"goroutines":    runtime.NumGoroutine(),
		"cpu_percent":   cpuPct,
		"memory_mb":     memMB,
		"queues":        queueData,
	}).Info("runtime report")
}
