package binder

import (
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("Expected 0 initial ops, got %d", snap.TotalOps)
	}

	m.RecordTxSync(1024, 1000000, true)  // 1KB sync tx, 1ms latency, success
	m.RecordTxOneway(2048, true)         // 2KB oneway tx, success
	m.RecordTxSync(512, 500000, false)   // 512B sync tx, 0.5ms latency, error

	snap = m.Snapshot()

	if snap.TxSyncOps != 2 {
		t.Errorf("Expected 2 sync tx ops, got %d", snap.TxSyncOps)
	}
	if snap.TxOnewayOps != 1 {
		t.Errorf("Expected 1 oneway tx op, got %d", snap.TxOnewayOps)
	}

	if snap.TxBytesSent != 1024+2048+512 {
		t.Errorf("Expected %d bytes sent, got %d", 1024+2048+512, snap.TxBytesSent)
	}

	if snap.TxErrors != 1 {
		t.Errorf("Expected 1 tx error, got %d", snap.TxErrors)
	}

	expectedErrorRate := float64(1) / float64(3) * 100.0
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("Expected error rate ~%.1f%%, got %.1f%%", expectedErrorRate, snap.ErrorRate)
	}
}

func TestMetricsQueueDepth(t *testing.T) {
	m := NewMetrics()

	m.RecordQueueDepth(10)
	m.RecordQueueDepth(20)
	m.RecordQueueDepth(15)

	snap := m.Snapshot()

	if snap.MaxQueueDepth != 20 {
		t.Errorf("Expected max queue depth 20, got %d", snap.MaxQueueDepth)
	}

	expectedAvg := float64(10+20+15) / 3.0
	if snap.AvgQueueDepth < expectedAvg-0.1 || snap.AvgQueueDepth > expectedAvg+0.1 {
		t.Errorf("Expected avg queue depth %.1f, got %.1f", expectedAvg, snap.AvgQueueDepth)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordTxSync(1024, 1000000, true) // 1ms
	m.RecordTxSync(1024, 2000000, true) // 2ms

	snap := m.Snapshot()

	expectedAvgNs := uint64(1500000) // 1.5ms
	if snap.AvgLatencyNs != expectedAvgNs {
		t.Errorf("Expected avg latency %d ns, got %d ns", expectedAvgNs, snap.AvgLatencyNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()

	if snap.UptimeNs < 10*1000000 {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()

	if snap2.UptimeNs > snap.UptimeNs+2*1000000 {
		t.Errorf("Uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordTxSync(1024, 1000000, true)
	m.RecordTxOneway(2048, true)
	m.RecordQueueDepth(10)

	snap := m.Snapshot()
	if snap.TotalOps == 0 {
		t.Error("Expected some operations before reset")
	}

	m.Reset()

	snap = m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("Expected 0 ops after reset, got %d", snap.TotalOps)
	}
	if snap.TxBytesSent != 0 {
		t.Errorf("Expected 0 bytes sent after reset, got %d", snap.TxBytesSent)
	}
	if snap.MaxQueueDepth != 0 {
		t.Errorf("Expected 0 max queue depth after reset, got %d", snap.MaxQueueDepth)
	}
}

func TestObserver(t *testing.T) {
	observer := &NoOpObserver{}
	observer.ObserveTxSync(1024, 1000000, true)
	observer.ObserveTxOneway(1024, true)
	observer.ObserveTxReceived(1024)
	observer.ObserveReply(1024, true)
	observer.ObserveParcelError()
	observer.ObserveLooperBlocked()
	observer.ObserveQueueDepth(10)

	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveTxSync(1024, 1000000, true)
	metricsObserver.ObserveTxOneway(2048, true)

	snap := m.Snapshot()
	if snap.TxSyncOps != 1 {
		t.Errorf("Expected 1 sync tx op from observer, got %d", snap.TxSyncOps)
	}
	if snap.TxOnewayOps != 1 {
		t.Errorf("Expected 1 oneway tx op from observer, got %d", snap.TxOnewayOps)
	}
	if snap.TxBytesSent != 1024+2048 {
		t.Errorf("Expected %d bytes sent from observer, got %d", 1024+2048, snap.TxBytesSent)
	}
}

func TestMetricsRates(t *testing.T) {
	m := NewMetrics()

	startTime := time.Now()
	m.StartTime.Store(startTime.UnixNano())

	m.RecordTxSync(1024, 1000000, true)
	m.RecordTxSync(2048, 2000000, true)

	stopTime := startTime.Add(1 * time.Second)
	m.StopTime.Store(stopTime.UnixNano())

	snap := m.Snapshot()

	if snap.TxIOPS < 1.9 || snap.TxIOPS > 2.1 {
		t.Errorf("Expected TxIOPS ~2.0, got %.2f", snap.TxIOPS)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 50; i++ {
		m.RecordTxSync(1024, 500_000, true) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordTxSync(1024, 5_000_000, true) // 5ms
	}
	m.RecordTxSync(1024, 50_000_000, true) // 50ms (P99)

	snap := m.Snapshot()

	if snap.TotalOps != 100 {
		t.Errorf("Expected 100 total ops, got %d", snap.TotalOps)
	}

	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("Expected P50 in 100us-1ms range, got %d ns", snap.LatencyP50Ns)
	}

	if snap.LatencyP99Ns < 5_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("Expected P99 in 5ms-100ms range, got %d ns", snap.LatencyP99Ns)
	}

	totalInBuckets := uint64(0)
	for i := 0; i < len(snap.LatencyHistogram); i++ {
		totalInBuckets += snap.LatencyHistogram[i]
	}
	if totalInBuckets == 0 {
		t.Error("Expected histogram buckets to be populated")
	}
}
