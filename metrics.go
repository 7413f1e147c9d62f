package binder

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for an Ipc instance.
type Metrics struct {
	// Transaction counters
	TxSyncOps   atomic.Uint64 // Synchronous transactions issued
	TxOnewayOps atomic.Uint64 // One-way transactions issued
	TxReceived  atomic.Uint64 // Incoming transactions dispatched to a handler
	ReplyOps    atomic.Uint64 // Replies sent

	// Byte counters
	TxBytesSent     atomic.Uint64 // Total parcel bytes written in outbound transactions
	TxBytesReceived atomic.Uint64 // Total parcel bytes read from inbound transactions

	// Error counters
	TxErrors       atomic.Uint64 // Failed/dead-object transactions
	ReplyErrors    atomic.Uint64 // Failed replies
	ParcelErrors   atomic.Uint64 // Malformed parcel/codec errors

	// Looper statistics
	LooperBlockedTotal atomic.Uint64 // Cumulative count of loopers entering the blocked state
	LooperActive       atomic.Int32  // Currently running loopers
	LooperBlocked      atomic.Int32  // Currently blocked (spawned-on-demand) loopers

	// Queue statistics
	QueueDepthTotal atomic.Uint64 // Cumulative queue depth samples
	QueueDepthCount atomic.Uint64 // Number of queue depth measurements
	MaxQueueDepth   atomic.Uint32 // Maximum observed pending-transaction queue depth

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // Cumulative transaction round-trip latency in nanoseconds
	OpCount        atomic.Uint64 // Total timed operations (for average latency calculation)

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of operations with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Ipc lifecycle
	StartTime atomic.Int64 // Ipc start timestamp (UnixNano)
	StopTime  atomic.Int64 // Ipc stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordTxSync records a synchronous transaction and its round-trip latency.
func (m *Metrics) RecordTxSync(bytes uint64, latencyNs uint64, success bool) {
	m.TxSyncOps.Add(1)
	m.TxBytesSent.Add(bytes)
	if !success {
		m.TxErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordTxOneway records a one-way (fire-and-forget) transaction.
func (m *Metrics) RecordTxOneway(bytes uint64, success bool) {
	m.TxOnewayOps.Add(1)
	m.TxBytesSent.Add(bytes)
	if !success {
		m.TxErrors.Add(1)
	}
}

// RecordTxReceived records an incoming transaction dispatched to a handler.
func (m *Metrics) RecordTxReceived(bytes uint64) {
	m.TxReceived.Add(1)
	m.TxBytesReceived.Add(bytes)
}

// RecordReply records an outbound reply to a received transaction.
func (m *Metrics) RecordReply(bytes uint64, success bool) {
	m.ReplyOps.Add(1)
	m.TxBytesSent.Add(bytes)
	if !success {
		m.ReplyErrors.Add(1)
	}
}

// RecordParcelError records a malformed-parcel or codec decode failure.
func (m *Metrics) RecordParcelError() {
	m.ParcelErrors.Add(1)
}

// RecordLooperBlocked records a looper transitioning into the blocked state
// (all primary loopers busy, a spawned-on-demand thread took over reading).
func (m *Metrics) RecordLooperBlocked() {
	m.LooperBlockedTotal.Add(1)
}

// RecordQueueDepth records the current pending-transaction queue depth.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

// recordLatency records transaction latency and updates the histogram.
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the Ipc as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	TxSyncOps   uint64
	TxOnewayOps uint64
	TxReceived  uint64
	ReplyOps    uint64

	TxBytesSent     uint64
	TxBytesReceived uint64

	TxErrors     uint64
	ReplyErrors  uint64
	ParcelErrors uint64

	LooperBlockedTotal uint64
	LooperActive       int32
	LooperBlocked      int32

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	TxIOPS    float64
	TotalOps  uint64
	ErrorRate float64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		TxSyncOps:          m.TxSyncOps.Load(),
		TxOnewayOps:        m.TxOnewayOps.Load(),
		TxReceived:         m.TxReceived.Load(),
		ReplyOps:           m.ReplyOps.Load(),
		TxBytesSent:        m.TxBytesSent.Load(),
		TxBytesReceived:    m.TxBytesReceived.Load(),
		TxErrors:           m.TxErrors.Load(),
		ReplyErrors:        m.ReplyErrors.Load(),
		ParcelErrors:       m.ParcelErrors.Load(),
		LooperBlockedTotal: m.LooperBlockedTotal.Load(),
		LooperActive:       m.LooperActive.Load(),
		LooperBlocked:      m.LooperBlocked.Load(),
		MaxQueueDepth:      m.MaxQueueDepth.Load(),
	}

	snap.TotalOps = snap.TxSyncOps + snap.TxOnewayOps + snap.TxReceived + snap.ReplyOps

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.TxIOPS = float64(snap.TxSyncOps+snap.TxOnewayOps) / uptimeSeconds
	}

	totalErrors := snap.TxErrors + snap.ReplyErrors + snap.ParcelErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing).
func (m *Metrics) Reset() {
	m.TxSyncOps.Store(0)
	m.TxOnewayOps.Store(0)
	m.TxReceived.Store(0)
	m.ReplyOps.Store(0)
	m.TxBytesSent.Store(0)
	m.TxBytesReceived.Store(0)
	m.TxErrors.Store(0)
	m.ReplyErrors.Store(0)
	m.ParcelErrors.Store(0)
	m.LooperBlockedTotal.Store(0)
	m.LooperActive.Store(0)
	m.LooperBlocked.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection for Ipc events.
type Observer interface {
	ObserveTxSync(bytes uint64, latencyNs uint64, success bool)
	ObserveTxOneway(bytes uint64, success bool)
	ObserveTxReceived(bytes uint64)
	ObserveReply(bytes uint64, success bool)
	ObserveParcelError()
	ObserveLooperBlocked()
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveTxSync(uint64, uint64, bool) {}
func (NoOpObserver) ObserveTxOneway(uint64, bool)       {}
func (NoOpObserver) ObserveTxReceived(uint64)           {}
func (NoOpObserver) ObserveReply(uint64, bool)          {}
func (NoOpObserver) ObserveParcelError()                {}
func (NoOpObserver) ObserveLooperBlocked()              {}
func (NoOpObserver) ObserveQueueDepth(uint32)           {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveTxSync(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordTxSync(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveTxOneway(bytes uint64, success bool) {
	o.metrics.RecordTxOneway(bytes, success)
}

func (o *MetricsObserver) ObserveTxReceived(bytes uint64) {
	o.metrics.RecordTxReceived(bytes)
}

func (o *MetricsObserver) ObserveReply(bytes uint64, success bool) {
	o.metrics.RecordReply(bytes, success)
}

func (o *MetricsObserver) ObserveParcelError() {
	o.metrics.RecordParcelError()
}

func (o *MetricsObserver) ObserveLooperBlocked() {
	o.metrics.RecordLooperBlocked()
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

// Compile-time interface checks
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
