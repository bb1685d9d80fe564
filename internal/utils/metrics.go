// internal/utils/metrics.go
package utils

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector 计数器、仪表与简单直方图
type MetricsCollector struct {
	counters   map[string]*int64
	gauges     map[string]*int64
	histograms map[string]*Histogram

	mu sync.RWMutex
}

// Histogram 只记录 count/sum/min/max
type Histogram struct {
	count int64
	sum   int64
	min   int64
	max   int64
	mu    sync.Mutex
}

// NewMetricsCollector 创建独立的收集器
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		counters:   make(map[string]*int64),
		gauges:     make(map[string]*int64),
		histograms: make(map[string]*Histogram),
	}
}

// slot 读锁快速路径，缺失时加写锁二次检查后创建
func (m *MetricsCollector) slot(set map[string]*int64, name string) *int64 {
	m.mu.RLock()
	v, ok := set[name]
	m.mu.RUnlock()
	if ok {
		return v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok = set[name]; !ok {
		v = new(int64)
		set[name] = v
	}
	return v
}

// IncrementCounter 计数加一
func (m *MetricsCollector) IncrementCounter(name string) {
	atomic.AddInt64(m.slot(m.counters, name), 1)
}

// AddGauge 仪表增减
func (m *MetricsCollector) AddGauge(name string, delta int64) {
	atomic.AddInt64(m.slot(m.gauges, name), delta)
}

// GetGauge gets the current value of a gauge
func (m *MetricsCollector) GetGauge(name string) int64 {
	m.mu.RLock()
	v, ok := m.gauges[name]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(v)
}

// GetCounterValue gets the current value of a counter
func (m *MetricsCollector) GetCounterValue(name string) int64 {
	m.mu.RLock()
	v, ok := m.counters[name]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(v)
}

// RecordHistogram records a value in a histogram
func (m *MetricsCollector) RecordHistogram(name string, value int64) {
	m.mu.RLock()
	h, ok := m.histograms[name]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		if h, ok = m.histograms[name]; !ok {
			h = &Histogram{min: value, max: value}
			m.histograms[name] = h
		}
		m.mu.Unlock()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	if value < h.min {
		h.min = value
	}
	if value > h.max {
		h.max = value
	}
}

// GetMetrics returns a snapshot of all metrics
func (m *MetricsCollector) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counters := make(map[string]int64, len(m.counters))
	for name, v := range m.counters {
		counters[name] = atomic.LoadInt64(v)
	}
	gauges := make(map[string]int64, len(m.gauges))
	for name, v := range m.gauges {
		gauges[name] = atomic.LoadInt64(v)
	}
	histograms := make(map[string]map[string]int64, len(m.histograms))
	for name, h := range m.histograms {
		h.mu.Lock()
		histograms[name] = map[string]int64{
			"count": h.count,
			"sum":   h.sum,
			"min":   h.min,
			"max":   h.max,
		}
		h.mu.Unlock()
	}

	return map[string]interface{}{
		"counters":   counters,
		"gauges":     gauges,
		"histograms": histograms,
	}
}

// StudioMetrics 业务指标的命名约定集中在这里
type StudioMetrics struct {
	metrics *MetricsCollector
	logger  *Logger
}

// NewStudioMetricsWith 使用给定的收集器与日志
func NewStudioMetricsWith(m *MetricsCollector, l *Logger) *StudioMetrics {
	return &StudioMetrics{metrics: m, logger: l}
}

// Collector 返回底层收集器
func (sm *StudioMetrics) Collector() *MetricsCollector {
	return sm.metrics
}

// RecordAPIRequest records metrics for an API request
func (sm *StudioMetrics) RecordAPIRequest(endpoint, method string, statusCode int, duration time.Duration) {
	sm.metrics.IncrementCounter("api_requests_total")
	sm.metrics.IncrementCounter(fmt.Sprintf("api_responses_%dxx", statusCode/100))
	sm.metrics.RecordHistogram("api_response_time_ms", duration.Milliseconds())

	sm.logger.Debug("API request completed", map[string]interface{}{
		"endpoint": endpoint,
		"method":   method,
		"status":   statusCode,
		"duration": duration.Milliseconds(),
	})
}

// RecordAnalysisTier 记录分析由哪一级回退给出结果
func (sm *StudioMetrics) RecordAnalysisTier(tier string, duration time.Duration) {
	sm.metrics.IncrementCounter("analysis_total")
	sm.metrics.IncrementCounter("analysis_tier_" + tier)
	sm.metrics.RecordHistogram("analysis_time_ms", duration.Milliseconds())
}

// RecordImageTier 记录图像生成由哪一级给出结果
func (sm *StudioMetrics) RecordImageTier(tier string, duration time.Duration) {
	sm.metrics.IncrementCounter("image_total")
	sm.metrics.IncrementCounter("image_tier_" + tier)
	sm.metrics.RecordHistogram("image_time_ms", duration.Milliseconds())
}

// RecordSlot 记录单个插图位的生成结果
func (sm *StudioMetrics) RecordSlot(ok bool) {
	if ok {
		sm.metrics.IncrementCounter("slot_generated")
	} else {
		sm.metrics.IncrementCounter("slot_failed")
	}
}

// RecordDraftSave 记录草稿保存结果
func (sm *StudioMetrics) RecordDraftSave(ok bool) {
	if ok {
		sm.metrics.IncrementCounter("draft_saves")
	} else {
		sm.metrics.IncrementCounter("draft_save_failures")
	}
}

// TrackGenerating 正在生成的插图位数量
func (sm *StudioMetrics) TrackGenerating(delta int64) {
	sm.metrics.AddGauge("slots_generating", delta)
}
