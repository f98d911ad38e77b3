package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wfunc/candy-vending/internal/errors"
	"github.com/wfunc/candy-vending/internal/sensor"
	"github.com/wfunc/candy-vending/internal/vending"
)

const namespace = "vending"

// HubStats 广播中心统计来源
type HubStats interface {
	Count() int
	Dropped() uint64
}

// MonitorStats 传感器监控统计来源
type MonitorStats interface {
	Stats() sensor.Stats
}

// MachineState 售货机状态来源
type MachineState interface {
	State() vending.State
}

// Collector 售货机指标，同时作为vending.EventSink接收事件
type Collector struct {
	registry *prometheus.Registry

	deposits         *prometheus.CounterVec
	dispenses        *prometheus.CounterVec
	actuationSeconds prometheus.Histogram
}

// New 创建指标收集器，使用独立的registry
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposits_total",
			Help:      "Credited deposits by source (sensor or simulated).",
		}, []string{"source"}),
		dispenses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispenses_total",
			Help:      "Dispense requests by slot and result.",
		}, []string{"slot", "result"}),
		actuationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "actuation_seconds",
			Help:      "Wall time of a motor actuation.",
			Buckets:   prometheus.LinearBuckets(0.5, 0.5, 10),
		}),
	}

	reg.MustRegister(
		c.deposits,
		c.dispenses,
		c.actuationSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Record 实现vending.EventSink
func (c *Collector) Record(e vending.Event) {
	switch e.Type {
	case vending.EventDeposit:
		c.deposits.WithLabelValues("sensor").Inc()
	case vending.EventSimulatedDeposit:
		c.deposits.WithLabelValues("simulated").Inc()
	case vending.EventDispense:
		c.dispenses.WithLabelValues(strconv.Itoa(e.SlotID), "success").Inc()
		c.actuationSeconds.Observe(e.Duration.Seconds())
	case vending.EventDispenseFailed:
		c.dispenses.WithLabelValues(strconv.Itoa(e.SlotID), "hardware_fault").Inc()
		c.actuationSeconds.Observe(e.Duration.Seconds())
	case vending.EventDispenseRejected:
		c.dispenses.WithLabelValues(slotLabel(e), "rejected").Inc()
	}
}

// slotLabel 货道ID来自请求参数，未配置的货道统一记为unknown，避免序列无限增长
func slotLabel(e vending.Event) string {
	if e.Code == errors.ErrUnknownSlot {
		return "unknown"
	}
	return strconv.Itoa(e.SlotID)
}

// WatchMachine 导出积分和忙碌状态，采集时直接读取售货机
func (c *Collector) WatchMachine(m MachineState) {
	c.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "credits",
			Help:      "Current credit balance.",
		}, func() float64 { return float64(m.State().Credits) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "busy",
			Help:      "1 while a dispense is executing.",
		}, func() float64 {
			if m.State().Busy {
				return 1
			}
			return 0
		}),
	)
}

// WatchHub 导出订阅者数量和丢弃的快照数
func (c *Collector) WatchHub(h HubStats) {
	c.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers",
			Help:      "Live state subscriptions.",
		}, func() float64 { return float64(h.Count()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_dropped_total",
			Help:      "Snapshots dropped because an observer queue was full.",
		}, func() float64 { return float64(h.Dropped()) }),
	)
}

// WatchMonitor 导出传感器统计
func (c *Collector) WatchMonitor(m MonitorStats) {
	c.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sensor",
			Name:      "read_errors_total",
			Help:      "Failed sensor reads.",
		}, func() float64 { return float64(m.Stats().ReadErrors) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sensor",
			Name:      "debounced_total",
			Help:      "Triggers ignored inside the cooldown window.",
		}, func() float64 { return float64(m.Stats().Debounced) }),
	)
}

// Registry 底层registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler /metrics处理器
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
