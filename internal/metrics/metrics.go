package metrics

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Kind は記録するリクエストの種類
type Kind int

const (
	KindRead Kind = iota
	KindWrite
)

func (k Kind) String() string {
	if k == KindWrite {
		return "write"
	}
	return "read"
}

// Config はメトリクスの設定
type Config struct {
	MaxLatencySamples int // P50/P99 計算に使うサンプル数の上限
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{MaxLatencySamples: 1000}
}

// Metrics はリクエストのメトリクスを収集する
type Metrics struct {
	totalRequests   atomic.Uint64
	successRequests atomic.Uint64
	failedRequests  atomic.Uint64
	totalLatencyNs  atomic.Uint64

	reads     atomic.Uint64
	writes    atomic.Uint64
	retries   atomic.Uint64
	failovers atomic.Uint64

	mu                sync.RWMutex
	startTime         time.Time
	lastResetTime     time.Time
	windowRequests    uint64
	latencies         []time.Duration
	maxLatencySamples int
}

// New は新しいメトリクスを作成する
func New() *Metrics {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig は設定を指定してメトリクスを作成する
func NewWithConfig(config Config) *Metrics {
	samples := config.MaxLatencySamples
	if samples <= 0 {
		samples = DefaultConfig().MaxLatencySamples
	}
	now := time.Now()
	return &Metrics{
		startTime:         now,
		lastResetTime:     now,
		latencies:         make([]time.Duration, 0, samples),
		maxLatencySamples: samples,
	}
}

// RecordSuccess は成功したリクエストを記録する
func (m *Metrics) RecordSuccess(kind Kind, latency time.Duration) {
	m.record(kind, latency)
	m.successRequests.Add(1)

	m.mu.Lock()
	m.windowRequests++
	if len(m.latencies) < m.maxLatencySamples {
		m.latencies = append(m.latencies, latency)
	}
	m.mu.Unlock()
}

// RecordFailure は失敗したリクエストを記録する
func (m *Metrics) RecordFailure(kind Kind, latency time.Duration) {
	m.record(kind, latency)
	m.failedRequests.Add(1)

	m.mu.Lock()
	m.windowRequests++
	m.mu.Unlock()
}

func (m *Metrics) record(kind Kind, latency time.Duration) {
	m.totalRequests.Add(1)
	m.totalLatencyNs.Add(uint64(latency.Nanoseconds()))
	if kind == KindWrite {
		m.writes.Add(1)
	} else {
		m.reads.Add(1)
	}
}

// RecordRetry は接続の再試行を記録する
func (m *Metrics) RecordRetry() {
	m.retries.Add(1)
}

// RecordFailover はセッション途中の再接続を記録する
func (m *Metrics) RecordFailover() {
	m.failovers.Add(1)
}

// TotalRequests は総リクエスト数を返す
func (m *Metrics) TotalRequests() uint64 {
	return m.totalRequests.Load()
}

// SuccessRequests は成功リクエスト数を返す
func (m *Metrics) SuccessRequests() uint64 {
	return m.successRequests.Load()
}

// FailedRequests は失敗リクエスト数を返す
func (m *Metrics) FailedRequests() uint64 {
	return m.failedRequests.Load()
}

// Reads は READ の記録数を返す
func (m *Metrics) Reads() uint64 {
	return m.reads.Load()
}

// Writes は WRITE の記録数を返す
func (m *Metrics) Writes() uint64 {
	return m.writes.Load()
}

// Retries は再試行回数を返す
func (m *Metrics) Retries() uint64 {
	return m.retries.Load()
}

// Failovers は再接続回数を返す
func (m *Metrics) Failovers() uint64 {
	return m.failovers.Load()
}

// RPS は現在のRequests Per Secondを返す
func (m *Metrics) RPS() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	elapsed := time.Since(m.lastResetTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.windowRequests) / elapsed
}

// OverallRPS は開始からの平均RPSを返す
func (m *Metrics) OverallRPS() float64 {
	elapsed := time.Since(m.startTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.totalRequests.Load()) / elapsed
}

// AverageLatency は平均レイテンシを返す
func (m *Metrics) AverageLatency() time.Duration {
	total := m.totalRequests.Load()
	if total == 0 {
		return 0
	}
	avgNs := m.totalLatencyNs.Load() / total
	return time.Duration(avgNs)
}

// Percentile はサンプルから p（0.0〜1.0）分位のレイテンシを返す
func (m *Metrics) Percentile(p float64) time.Duration {
	m.mu.RLock()
	sorted := slices.Clone(m.latencies)
	m.mu.RUnlock()

	if len(sorted) == 0 {
		return 0
	}
	slices.Sort(sorted)

	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

// P50Latency は中央値のレイテンシを返す
func (m *Metrics) P50Latency() time.Duration {
	return m.Percentile(0.50)
}

// P99Latency はP99レイテンシを返す（サンプルベース）
func (m *Metrics) P99Latency() time.Duration {
	return m.Percentile(0.99)
}

// ErrorRate はエラー率を返す（0.0〜1.0）
func (m *Metrics) ErrorRate() float64 {
	total := m.totalRequests.Load()
	if total == 0 {
		return 0
	}
	return float64(m.failedRequests.Load()) / float64(total)
}

// Reset はウィンドウメトリクスをリセットする
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.windowRequests = 0
	m.lastResetTime = time.Now()
	m.latencies = m.latencies[:0]
}

// Snapshot はメトリクスのスナップショット
type Snapshot struct {
	TotalRequests   uint64
	SuccessRequests uint64
	FailedRequests  uint64
	Reads           uint64
	Writes          uint64
	Retries         uint64
	Failovers       uint64
	RPS             float64
	OverallRPS      float64
	AverageLatency  time.Duration
	P50Latency      time.Duration
	P99Latency      time.Duration
	ErrorRate       float64
	Elapsed         time.Duration
}

// Snapshot は現在のメトリクスのスナップショットを返す
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		TotalRequests:   m.TotalRequests(),
		SuccessRequests: m.SuccessRequests(),
		FailedRequests:  m.FailedRequests(),
		Reads:           m.Reads(),
		Writes:          m.Writes(),
		Retries:         m.Retries(),
		Failovers:       m.Failovers(),
		RPS:             m.RPS(),
		OverallRPS:      m.OverallRPS(),
		AverageLatency:  m.AverageLatency(),
		P50Latency:      m.P50Latency(),
		P99Latency:      m.P99Latency(),
		ErrorRate:       m.ErrorRate(),
		Elapsed:         time.Since(m.startTime),
	}
}

func (s Snapshot) String() string {
	return fmt.Sprintf("requests=%d (reads=%d writes=%d failed=%d) rps=%.1f avg=%v p50=%v p99=%v retries=%d failovers=%d",
		s.TotalRequests, s.Reads, s.Writes, s.FailedRequests, s.OverallRPS,
		s.AverageLatency, s.P50Latency, s.P99Latency, s.Retries, s.Failovers)
}
