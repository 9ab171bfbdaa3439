package host

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics tracks routed batches for the /metrics endpoint.
type Metrics struct {
	stage string

	TotalBatches   atomic.Int64
	TotalItems     atomic.Int64
	TotalBytes     atomic.Int64
	TotalErrors    atomic.Int64
	LastBatchSize  atomic.Int32
	AvgLatencyUs   atomic.Int64 // exponential moving average
	LiveInstances  atomic.Int32
	InstancesTotal atomic.Int64
}

func NewMetrics(stage string) *Metrics {
	return &Metrics{stage: stage}
}

// ObserveBatch records one routed batch. batchSize is the item count per
// slot, items the total across input slots.
func (m *Metrics) ObserveBatch(batchSize, items, bytes int, elapsed time.Duration) {
	m.TotalBatches.Add(1)
	m.TotalItems.Add(int64(items))
	m.TotalBytes.Add(int64(bytes))
	m.LastBatchSize.Store(int32(batchSize))

	latency := elapsed.Microseconds()
	oldAvg := m.AvgLatencyUs.Load()
	if oldAvg == 0 {
		m.AvgLatencyUs.Store(latency)
	} else {
		// EMA with alpha=0.3
		m.AvgLatencyUs.Store(int64(float64(oldAvg)*0.7 + float64(latency)*0.3))
	}
}

// ServePrometheus writes Prometheus-format metrics to HTTP response.
func (m *Metrics) ServePrometheus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "# HELP stage_batches_total Batches routed\n")
	fmt.Fprintf(w, "# TYPE stage_batches_total counter\n")
	fmt.Fprintf(w, "stage_batches_total{stage=\"%s\"} %d\n", m.stage, m.TotalBatches.Load())
	fmt.Fprintf(w, "# HELP stage_items_total Items routed across all input slots\n")
	fmt.Fprintf(w, "# TYPE stage_items_total counter\n")
	fmt.Fprintf(w, "stage_items_total{stage=\"%s\"} %d\n", m.stage, m.TotalItems.Load())
	fmt.Fprintf(w, "# HELP stage_output_bytes_total Bytes copied into output buffers\n")
	fmt.Fprintf(w, "# TYPE stage_output_bytes_total counter\n")
	fmt.Fprintf(w, "stage_output_bytes_total{stage=\"%s\"} %d\n", m.stage, m.TotalBytes.Load())
	fmt.Fprintf(w, "# HELP stage_errors_total Failed evaluate calls\n")
	fmt.Fprintf(w, "# TYPE stage_errors_total counter\n")
	fmt.Fprintf(w, "stage_errors_total{stage=\"%s\"} %d\n", m.stage, m.TotalErrors.Load())
	fmt.Fprintf(w, "# HELP stage_batch_size Last batch size\n")
	fmt.Fprintf(w, "# TYPE stage_batch_size gauge\n")
	fmt.Fprintf(w, "stage_batch_size{stage=\"%s\"} %d\n", m.stage, m.LastBatchSize.Load())
	fmt.Fprintf(w, "# HELP stage_avg_latency_us Average evaluate latency\n")
	fmt.Fprintf(w, "# TYPE stage_avg_latency_us gauge\n")
	fmt.Fprintf(w, "stage_avg_latency_us{stage=\"%s\"} %d\n", m.stage, m.AvgLatencyUs.Load())
	fmt.Fprintf(w, "# HELP stage_instances Live router instances\n")
	fmt.Fprintf(w, "# TYPE stage_instances gauge\n")
	fmt.Fprintf(w, "stage_instances{stage=\"%s\"} %d\n", m.stage, m.LiveInstances.Load())
	fmt.Fprintf(w, "# HELP stage_instances_total Router instances created\n")
	fmt.Fprintf(w, "# TYPE stage_instances_total counter\n")
	fmt.Fprintf(w, "stage_instances_total{stage=\"%s\"} %d\n", m.stage, m.InstancesTotal.Load())
}
