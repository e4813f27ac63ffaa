// Package metrics Prometheus 指标: 流事件、run 结果、恢复结果与折叠耗时。
//
// 所有方法对 nil *Metrics 安全, 未启用指标时直接传 nil。
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "convsync"

// Metrics 进程级指标集合。
type Metrics struct {
	events     *prometheus.CounterVec
	malformed  prometheus.Counter
	runs       *prometheus.CounterVec
	resumes    *prometheus.CounterVec
	activeRuns prometheus.Gauge
	applyDur   *prometheus.HistogramVec
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default 注册到全局 registry 的共享实例, 只创建一次。
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNewMetrics 在 reg 上注册所有指标; 同名指标已存在时复用已有 collector。
// 其他注册错误直接 panic。
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream",
			Name: "events_total",
			Help: "Decoded stream events by kind.",
		}, []string{"kind"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream",
			Name: "malformed_total",
			Help: "Stream records that could not be decoded and were skipped.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "thread",
			Name: "runs_total",
			Help: "Finished runs by outcome.",
		}, []string{"outcome"}),
		resumes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session",
			Name: "resume_total",
			Help: "Reconnect attempts by outcome.",
		}, []string{"outcome"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "thread",
			Name: "active_runs",
			Help: "Runs currently streaming.",
		}),
		applyDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "thread",
			Name:    "apply_duration_seconds",
			Help:    "Time spent folding one event into thread state.",
			Buckets: []float64{.00005, .0001, .0005, .001, .005, .01, .05},
		}, []string{"kind"}),
	}
	m.events = register(reg, m.events)
	m.malformed = register(reg, m.malformed)
	m.runs = register(reg, m.runs)
	m.resumes = register(reg, m.resumes)
	m.activeRuns = register(reg, m.activeRuns)
	m.applyDur = register(reg, m.applyDur)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveEvent 记录一个已解码事件及其折叠耗时。
func (m *Metrics) ObserveEvent(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
	m.applyDur.WithLabelValues(kind).Observe(d.Seconds())
}

// IncMalformed 记录被跳过的坏记录。
func (m *Metrics) IncMalformed() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

// RunStarted active_runs +1。
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

// RunFinished active_runs -1 并按 outcome 计数。
func (m *Metrics) RunFinished(outcome string) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runs.WithLabelValues(outcome).Inc()
}

// ObserveResume 记录一次恢复尝试结果: joined / none / failed。
func (m *Metrics) ObserveResume(outcome string) {
	if m == nil {
		return
	}
	m.resumes.WithLabelValues(outcome).Inc()
}
