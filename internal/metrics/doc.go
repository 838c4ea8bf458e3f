// Package metrics provides request metrics collection and reporting.
//
// Metrics collects statistics about exchange latency, success/failure
// counts per request kind (read or write), connection retries, fail-overs
// and throughput (RPS). It is thread-safe and used by the client driver.
//
// # Basic Usage
//
//	m := metrics.New()
//
//	start := time.Now()
//	// ... send READ, wait for the response ...
//	m.RecordSuccess(metrics.KindRead, time.Since(start))
//
//	fmt.Printf("Total: %d, RPS: %.2f, P99: %v\n",
//	    m.TotalRequests(), m.OverallRPS(), m.P99Latency())
//
//	snap := m.Snapshot()
//
// # Configuration
//
// Use NewWithConfig for custom settings:
//
//	config := metrics.Config{
//	    MaxLatencySamples: 5000, // More samples for P99 accuracy
//	}
//	m := metrics.NewWithConfig(config)
//
// # Thread Safety
//
// Counters are atomic; latency samples are guarded by a mutex.
package metrics
