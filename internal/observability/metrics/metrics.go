// Package metrics 以 Prometheus 指标暴露运行时、调度、预言机与中继的运行情况。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	xerrors "Oracle-Relay/internal/errors"
	"Oracle-Relay/internal/task"
)

const namespace = "oracle_relay"

// Collector 汇总全部指标，同时实现各模块定义的观察者接口。
type Collector struct {
	registry *prometheus.Registry

	instructions        *prometheus.CounterVec
	instructionDuration *prometheus.HistogramVec
	tasks               *prometheus.CounterVec
	taskDuration        *prometheus.HistogramVec
	oracleCalls         *prometheus.CounterVec
	oracleDuration      *prometheus.HistogramVec
	dispatches          prometheus.Counter
	requests            prometheus.Gauge
	callbacks           prometheus.Counter
	responseBytes       prometheus.Histogram
	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
}

// New 创建使用独立注册表的指标集合，并附带进程与 Go 运行时指标。
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)
	return &Collector{
		registry: reg,
		instructions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instructions_total",
			Help:      "Instructions executed by the runtime, labelled by program, instruction and error code.",
		}, []string{"program", "instruction", "code"}),
		instructionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "instruction_duration_seconds",
			Help:      "Instruction execution latency including nested calls.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"program", "instruction"}),
		tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Scheduled tasks processed by the crank, by final status.",
		}, []string{"status"}),
		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time spent executing a scheduled task, including trigger waits.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		oracleCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_inferences_total",
			Help:      "Oracle inferences by backend and outcome.",
		}, []string{"backend", "code"}),
		oracleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "oracle_inference_duration_seconds",
			Help:      "Oracle inference latency including callback delivery.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"}),
		dispatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_dispatches_total",
			Help:      "Successful request_gpt dispatches.",
		}),
		requests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_requests",
			Help:      "Value of the on-ledger request counter after the last dispatch.",
		}),
		callbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_callbacks_total",
			Help:      "Oracle responses accepted by the relay.",
		}),
		responseBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_response_bytes",
			Help:      "Size of accepted oracle responses.",
			Buckets:   []float64{0, 16, 64, 128, 256, 384, 512},
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served by the API.",
		}, []string{"handler", "method", "code"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
}

// Registry 返回底层注册表。
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler 以 Prometheus 文本格式暴露指标。
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveInstruction 实现 runtime.Recorder 接口。
func (c *Collector) ObserveInstruction(program, instruction string, err error, duration time.Duration) {
	c.instructions.WithLabelValues(program, instruction, codeLabel(err)).Inc()
	c.instructionDuration.WithLabelValues(program, instruction).Observe(duration.Seconds())
}

// ObserveTask 实现 task.Observer 接口。
func (c *Collector) ObserveTask(status task.Status, duration time.Duration) {
	c.tasks.WithLabelValues(string(status)).Inc()
	c.taskDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

// ObserveOracle 实现本地预言机的观察者接口。
func (c *Collector) ObserveOracle(backend string, err error, duration time.Duration) {
	c.oracleCalls.WithLabelValues(backend, codeLabel(err)).Inc()
	c.oracleDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// ObserveDispatch 实现 relay.Observer 接口。
func (c *Collector) ObserveDispatch(requests uint64) {
	c.dispatches.Inc()
	c.requests.Set(float64(requests))
}

// ObserveCallback 实现 relay.Observer 接口。
func (c *Collector) ObserveCallback(responseBytes int) {
	c.callbacks.Inc()
	c.responseBytes.Observe(float64(responseBytes))
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

func codeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return string(xerrors.CodeOf(err))
}
