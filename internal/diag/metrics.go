package diag

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OpTotal 按组件/阶段/结果累计操作数。
	OpTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmcls_op_total",
			Help: "Total number of pipeline operations",
		},
		[]string{"comp", "stage", "result"},
	)

	// ErrorTotal 按组件与错误分类累计。
	ErrorTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmcls_error_total",
			Help: "Total number of classified errors",
		},
		[]string{"comp", "code"},
	)

	// OpDuration 阶段耗时。
	OpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmcls_op_duration_seconds",
			Help:    "Operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"comp", "stage"},
	)

	// ClassifyCalls 分类调用结果（outcome=success 或失败种类）。
	ClassifyCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmcls_classify_calls_total",
			Help: "Total number of classification calls by outcome",
		},
		[]string{"outcome"},
	)

	// DroppedRecords 被永久丢弃的记录数。
	DroppedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmcls_dropped_records_total",
			Help: "Total number of records dropped after single-record failure",
		},
		[]string{"kind"},
	)

	// Bisections 批失败后的二分次数。
	Bisections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmcls_bisections_total",
			Help: "Total number of batch bisections",
		},
	)
)

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) { OpTotal.WithLabelValues(comp, stage, result).Inc() }

// IncError 按分类累加错误计数。
func IncError(comp, code string) { ErrorTotal.WithLabelValues(comp, code).Inc() }

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	OpDuration.WithLabelValues(comp, stage).Observe(float64(durMS) / 1000)
}

// IncCall 记录一次分类调用结果。
func IncCall(outcome string) { ClassifyCalls.WithLabelValues(outcome).Inc() }

// IncDropped 记录一条丢弃。
func IncDropped(kind string) { DroppedRecords.WithLabelValues(kind).Inc() }

// IncBisection 记录一次二分。
func IncBisection() { Bisections.Inc() }

// Serve 在 addr 上暴露 /metrics，直到 ctx 结束。
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
