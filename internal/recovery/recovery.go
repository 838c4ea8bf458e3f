package recovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"sobench/internal/events"
	"sobench/internal/logger"
)

// Workers はヘルスチェック対象のワーカー群（*cluster.Cluster が満たす）
type Workers interface {
	Ports() []int
	Alive(port int) bool
	Restart(port int) error
}

// Router は振り分け先の健全性を受け取る（*balancer.Balancer が満たす）
type Router interface {
	MarkFailed(port int)
	MarkRecovered(port int)
	IsHealthy(port int) bool
}

// Config はRecoveryManagerの設定
type Config struct {
	Host           string        // 接続確認に使うホスト
	HealthInterval time.Duration // ヘルスチェック間隔
	RestartWait    time.Duration // 再起動から生存確認までの待機時間
	ProbeTimeout   time.Duration // 接続確認のタイムアウト
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Host:           "127.0.0.1",
		HealthInterval: 5 * time.Second,
		RestartWait:    1 * time.Second,
		ProbeTimeout:   500 * time.Millisecond,
	}
}

// WorkerState はワーカーの状態追跡
type WorkerState struct {
	Failed   bool
	FailedAt time.Time
	Attempts int
}

// Stats は再起動統計
type Stats struct {
	TotalRestarts   uint64 `json:"total_restarts"`
	SuccessRestarts uint64 `json:"success_restarts"`
	FailedRestarts  uint64 `json:"failed_restarts"`
	CurrentlyFailed int    `json:"currently_failed"`
}

// Manager は死んだワーカープロセスを検出して再起動する
// 失敗したワーカーは次のチェックで無制限に再試行する
type Manager struct {
	config   Config
	workers  Workers
	router   Router
	eventBus *events.Bus
	probe    func(port int) bool

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	checkMu sync.Mutex // チェックは同時に一つだけ

	mu     sync.RWMutex
	states map[int]*WorkerState
	stats  Stats
}

// New は新しいRecoveryManagerを作成する
// router は nil でもよい
func New(w Workers, router Router, config Config) *Manager {
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 500 * time.Millisecond
	}
	if config.Host == "" {
		config.Host = "127.0.0.1"
	}
	m := &Manager{
		config:  config,
		workers: w,
		router:  router,
		states:  make(map[int]*WorkerState),
	}
	m.probe = m.dial
	return m
}

// SetEventBus はイベントバスを設定する
func (m *Manager) SetEventBus(bus *events.Bus) {
	m.eventBus = bus
}

// publishEvent はイベントを発行する
func (m *Manager) publishEvent(event events.Event) {
	if m.eventBus != nil {
		m.eventBus.Publish(event)
	}
}

// Start は復旧マネージャーを開始する
func (m *Manager) Start(ctx context.Context) {
	if m.running.Swap(true) {
		return
	}

	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.healthCheckLoop()

	logger.Info("", "RecoveryManager started (interval: %v, restart wait: %v)",
		m.config.HealthInterval, m.config.RestartWait)
}

// Stop は復旧マネージャーを停止する
func (m *Manager) Stop() {
	if !m.running.Swap(false) {
		return
	}

	m.cancel()
	m.wg.Wait()

	stats := m.Stats()
	logger.Info("", "RecoveryManager stopped (restarts: %d success, %d failed)",
		stats.SuccessRestarts, stats.FailedRestarts)
}

// healthCheckLoop は定期的にヘルスチェックを実行する
func (m *Manager) healthCheckLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Check(m.ctx)
		}
	}
}

// Check は全ワーカーを一度だけ確認し、死んでいるものを再起動する
func (m *Manager) Check(ctx context.Context) {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	for _, port := range m.workers.Ports() {
		if ctx.Err() != nil {
			return
		}
		if m.workers.Alive(port) {
			m.reinstate(port)
			continue
		}
		m.recoverWorker(ctx, port)
	}
}

func (m *Manager) state(port int) *WorkerState {
	st, ok := m.states[port]
	if !ok {
		st = &WorkerState{}
		m.states[port] = st
	}
	return st
}

// reinstate はクライアントが故障扱いにしたが生きているワーカーを戻す
func (m *Manager) reinstate(port int) {
	if m.router == nil || m.router.IsHealthy(port) {
		return
	}
	if !m.probe(port) {
		return
	}
	m.router.MarkRecovered(port)
	logger.Info(workerID(port), "RecoveryManager: worker is alive again, back in rotation")
}

// recoverWorker は故障を記録し、再起動して生存を確認する
func (m *Manager) recoverWorker(ctx context.Context, port int) {
	m.mu.Lock()
	st := m.state(port)
	firstDetection := !st.Failed
	if firstDetection {
		st.Failed = true
		st.FailedAt = time.Now()
		m.stats.CurrentlyFailed++
	}
	st.Attempts++
	attempt := st.Attempts
	m.stats.TotalRestarts++
	m.mu.Unlock()

	if m.router != nil {
		m.router.MarkFailed(port)
	}
	if firstDetection {
		logger.Warn(workerID(port), "RecoveryManager: worker process is not alive")
		m.publishEvent(events.NewWorkerFailedEvent(port))
	}

	m.publishEvent(events.NewWorkerRestartEvent(port, attempt))
	err := m.workers.Restart(port)
	if err == nil {
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(m.config.RestartWait):
		}
	}
	if err == nil && !(m.workers.Alive(port) && m.probe(port)) {
		err = fmt.Errorf("worker %d not accepting connections after %v", port, m.config.RestartWait)
	}

	if err != nil {
		m.mu.Lock()
		m.stats.FailedRestarts++
		m.mu.Unlock()
		logger.Error(workerID(port), "RecoveryManager: restart attempt %d failed: %v", attempt, err)
		m.publishEvent(events.NewWorkerRestartFailedEvent(port, attempt, err))
		return
	}

	m.mu.Lock()
	st.Failed = false
	st.FailedAt = time.Time{}
	st.Attempts = 0
	m.stats.SuccessRestarts++
	m.stats.CurrentlyFailed--
	m.mu.Unlock()

	if m.router != nil {
		m.router.MarkRecovered(port)
	}
	logger.Info(workerID(port), "RecoveryManager: worker recovered (attempt %d)", attempt)
	m.publishEvent(events.NewWorkerRecoveredEvent(port, attempt))
}

// dial はワーカーが TCP 接続を受け付けるかを確認する
func (m *Manager) dial(port int) bool {
	addr := net.JoinHostPort(m.config.Host, fmt.Sprint(port))
	conn, err := net.DialTimeout("tcp", addr, m.config.ProbeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// IsRunning は実行中かどうかを返す
func (m *Manager) IsRunning() bool {
	return m.running.Load()
}

// Stats は再起動統計を返す
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// WorkerState はワーカーの状態のコピーを返す
func (m *Manager) WorkerState(port int) (WorkerState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.states[port]
	if !ok {
		return WorkerState{}, false
	}
	return *st, true
}

// ResetStats は統計をリセットする
func (m *Manager) ResetStats() {
	m.mu.Lock()
	defer m.mu.Unlock()
	failed := m.stats.CurrentlyFailed
	m.stats = Stats{CurrentlyFailed: failed}
}

func workerID(port int) string {
	return fmt.Sprintf("worker-%d", port)
}
