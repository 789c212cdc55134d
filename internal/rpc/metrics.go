package rpc

import (
	"context"
	"math"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/engramdev/engram/internal/telemetry"
)

// Metrics collects per-operation request telemetry for one server instance.
// It backs the metrics operation; OTel export happens separately through the
// package-level instruments.
type Metrics struct {
	mu sync.RWMutex

	requestCounts  map[string]int64
	requestErrors  map[string]int64
	requestLatency map[string][]time.Duration // bounded samples per operation
	maxSamples     int

	startTime time.Time
}

// NewMetrics creates a metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		requestCounts:  make(map[string]int64),
		requestErrors:  make(map[string]int64),
		requestLatency: make(map[string][]time.Duration),
		maxSamples:     1000,
		startTime:      time.Now(),
	}
}

// RecordRequest records one dispatched request, successful or not.
func (m *Metrics) RecordRequest(operation string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requestCounts[operation]++

	samples := m.requestLatency[operation]
	if len(samples) >= m.maxSamples {
		samples = samples[1:]
	}
	m.requestLatency[operation] = append(samples, latency)
}

// RecordError records a failed request.
func (m *Metrics) RecordError(operation string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requestErrors[operation]++
}

// Uptime returns seconds since the collector was created, rounded up so a
// just-started server never reports zero.
func (m *Metrics) Uptime() float64 {
	secs := math.Ceil(time.Since(m.startTime).Seconds())
	if secs == 0 {
		secs = 1
	}
	return secs
}

// Snapshot returns a point-in-time view of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()

	opsSet := make(map[string]struct{}, len(m.requestCounts))
	for op := range m.requestCounts {
		opsSet[op] = struct{}{}
	}
	for op := range m.requestErrors {
		opsSet[op] = struct{}{}
	}

	countsCopy := make(map[string]int64, len(opsSet))
	errorsCopy := make(map[string]int64, len(opsSet))
	latCopy := make(map[string][]time.Duration, len(opsSet))
	for op := range opsSet {
		countsCopy[op] = m.requestCounts[op]
		errorsCopy[op] = m.requestErrors[op]
		if samples := m.requestLatency[op]; len(samples) > 0 {
			latCopy[op] = append([]time.Duration(nil), samples...)
		}
	}

	m.mu.RUnlock()

	// Stats are computed outside the lock.
	var requestsTotal, errorsTotal int64
	operations := make([]OperationMetrics, 0, len(opsSet))
	for op := range opsSet {
		count := countsCopy[op]
		errCount := errorsCopy[op]
		requestsTotal += count
		errorsTotal += errCount

		om := OperationMetrics{
			Operation:  op,
			TotalCount: count,
			ErrorCount: errCount,
		}
		if samples := latCopy[op]; len(samples) > 0 {
			om.Latency = calculateLatencyStats(samples)
		}
		operations = append(operations, om)
	}
	sort.Slice(operations, func(i, j int) bool {
		if operations[i].TotalCount != operations[j].TotalCount {
			return operations[i].TotalCount > operations[j].TotalCount
		}
		return operations[i].Operation < operations[j].Operation
	})

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		OK:             true,
		Timestamp:      time.Now(),
		UptimeSeconds:  m.Uptime(),
		RequestsTotal:  requestsTotal,
		ErrorsTotal:    errorsTotal,
		Operations:     operations,
		MemoryAllocMB:  memStats.Alloc / 1024 / 1024,
		GoroutineCount: runtime.NumGoroutine(),
	}
}

// MetricsSnapshot is the metrics operation's result.
type MetricsSnapshot struct {
	OK             bool               `json:"ok"`
	Timestamp      time.Time          `json:"timestamp"`
	UptimeSeconds  float64            `json:"uptime_seconds"`
	RequestsTotal  int64              `json:"requests_total"`
	ErrorsTotal    int64              `json:"errors_total"`
	Operations     []OperationMetrics `json:"operations"`
	MemoryAllocMB  uint64             `json:"memory_alloc_mb"`
	GoroutineCount int                `json:"goroutine_count"`
}

// OperationMetrics holds counters for a single operation.
type OperationMetrics struct {
	Operation  string       `json:"operation"`
	TotalCount int64        `json:"total_count"`
	ErrorCount int64        `json:"error_count"`
	Latency    LatencyStats `json:"latency,omitempty"`
}

// LatencyStats holds latency percentiles in milliseconds.
type LatencyStats struct {
	MinMS float64 `json:"min_ms"`
	P50MS float64 `json:"p50_ms"`
	P95MS float64 `json:"p95_ms"`
	P99MS float64 `json:"p99_ms"`
	MaxMS float64 `json:"max_ms"`
	AvgMS float64 `json:"avg_ms"`
}

func calculateLatencyStats(samples []time.Duration) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := len(sorted)
	p50 := min(n-1, n*50/100)
	p95 := min(n-1, n*95/100)
	p99 := min(n-1, n*99/100)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	toMS := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	return LatencyStats{
		MinMS: toMS(sorted[0]),
		P50MS: toMS(sorted[p50]),
		P95MS: toMS(sorted[p95]),
		P99MS: toMS(sorted[p99]),
		MaxMS: toMS(sorted[n-1]),
		AvgMS: toMS(sum / time.Duration(n)),
	}
}

// rpcMetrics holds lazily-initialized OTel instruments shared by every
// server instance in the process.
var rpcMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

var rpcMetricsOnce sync.Once

func initRPCMetrics() {
	m := telemetry.Meter("github.com/engramdev/engram/rpc")
	rpcMetrics.requests, _ = m.Int64Counter("engram.rpc.requests",
		metric.WithDescription("Tool RPC requests dispatched"),
	)
	rpcMetrics.duration, _ = m.Float64Histogram("engram.rpc.duration",
		metric.WithDescription("Tool RPC handler duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}

func recordRequestOTel(ctx context.Context, operation string, success bool, latency time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("engram.rpc.operation", operation),
		attribute.Bool("engram.rpc.success", success),
	)
	if rpcMetrics.requests != nil {
		rpcMetrics.requests.Add(ctx, 1, attrs)
	}
	if rpcMetrics.duration != nil {
		rpcMetrics.duration.Record(ctx, float64(latency)/float64(time.Millisecond), attrs)
	}
}
