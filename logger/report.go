package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type streamStat struct {
	records int64
	bytes   int64
}

var (
	warnCounts  sync.Map // component -> *int64
	errorCounts sync.Map // component -> *int64
	pagesRead   int64
	filesMoved  int64
	streams     sync.Map // name -> *streamStat
)

func bump(m *sync.Map, key string) {
	v, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func recordWarn(component string)  { bump(&warnCounts, component) }
func recordError(component string) { bump(&errorCounts, component) }

// RecordPageRead counts one fetched API page of size bytes for stream,
// e.g. "BTC_trades".
func RecordPageRead(stream string, records, size int) {
	atomic.AddInt64(&pagesRead, 1)
	recordStream(stream, records, size)
}

// RecordFileWrite counts one committed catalog file.
func RecordFileWrite(stream string, rows int, size int64) {
	atomic.AddInt64(&filesMoved, 1)
	recordStream(stream+"_write", rows, int(size))
}

func recordStream(name string, records, size int) {
	v, _ := streams.LoadOrStore(name, &streamStat{})
	s := v.(*streamStat)
	atomic.AddInt64(&s.records, int64(records))
	atomic.AddInt64(&s.bytes, int64(size))
}

func snapshotCounts(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

func total(counts map[string]int64) int64 {
	var n int64
	for _, c := range counts {
		n += c
	}
	return n
}

// StartReport logs a runtime report every interval until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	warns := snapshotCounts(&warnCounts)
	errs := snapshotCounts(&errorCounts)

	streamData := map[string]map[string]int64{}
	names := []string{}
	streams.Range(func(k, v any) bool {
		s := v.(*streamStat)
		streamData[k.(string)] = map[string]int64{
			"records": atomic.LoadInt64(&s.records),
			"bytes":   atomic.LoadInt64(&s.bytes),
		}
		names = append(names, k.(string))
		return true
	})
	sort.Strings(names)

	heapMB := float64(mem.HeapAlloc) / 1024 / 1024
	fields := Fields{
		"warns":         warns,
		"errors":        errs,
		"pages_read":    atomic.LoadInt64(&pagesRead),
		"files_written": atomic.LoadInt64(&filesMoved),
		"goroutines":    runtime.NumGoroutine(),
		"heap_mb":       heapMB,
		"gc_cycles":     mem.NumGC,
		"streams":       streamData,
	}
	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("HeapMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(heapMB)},
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
		{MetricName: aws.String("Warnings"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(total(warns)))},
		{MetricName: aws.String("Errors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(total(errs)))},
		{MetricName: aws.String("PagesRead"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&pagesRead)))},
		{MetricName: aws.String("FilesWritten"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&filesMoved)))},
	}
	for _, name := range names {
		stats := streamData[name]
		dims := []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("StreamRecords"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(stats["records"]))},
			cwtypes.MetricDatum{MetricName: aws.String("StreamBytes"), Unit: cwtypes.StandardUnitBytes, Dimensions: dims, Value: aws.Float64(float64(stats["bytes"]))},
		)
	}

	publishMetrics(ctx, data)
}
