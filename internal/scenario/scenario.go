package scenario

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sobench/internal/balancer"
	"sobench/internal/chaos"
	"sobench/internal/client"
	"sobench/internal/cluster"
	"sobench/internal/events"
	"sobench/internal/logger"
	"sobench/internal/recovery"
	"sobench/internal/server"
	"sobench/internal/server/process"
	"sobench/internal/server/selector"
	"sobench/internal/server/threaded"
)

// NewServer は設定のアーキテクチャに対応するサーバーを作成する
func NewServer(config server.Config) (server.Server, error) {
	switch config.Architecture {
	case server.ArchThread:
		return threaded.New(config), nil
	case server.ArchEventLoop:
		return selector.New(config)
	case server.ArchProcess:
		return process.New(config), nil
	default:
		return nil, fmt.Errorf("unknown architecture: %s", config.Architecture)
	}
}

// Config はシナリオの設定
type Config struct {
	Name        string // シナリオ名
	Description string // 説明

	Server server.Config
	Client client.Config

	// カオス設定（process のみ）
	EnableChaos   bool          // カオス注入を有効化
	ChaosInterval time.Duration // 攻撃間隔
	ChaosTargets  int           // 一回に停止させるワーカー数

	Timeout time.Duration // 全体の上限（0で無制限）
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Name:          "default",
		Description:   "Default benchmark",
		Server:        server.DefaultConfig(),
		Client:        client.DefaultConfig(),
		ChaosInterval: 2 * time.Second,
		ChaosTargets:  1,
	}
}

// Validate は設定を検証する
func (c Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("client: %w", err)
	}
	if c.EnableChaos {
		if c.Server.Architecture != server.ArchProcess {
			return fmt.Errorf("chaos requires the process architecture")
		}
		if c.ChaosInterval <= 0 {
			return fmt.Errorf("chaos interval must be positive")
		}
	}
	return nil
}

// Result はシナリオ実行結果
type Result struct {
	RunID        string
	ScenarioName string
	Architecture server.Architecture
	Granularity  string
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration

	// 整合性
	Sum         int64 // サーバーの最終合計
	ExpectedSum int64 // OK が返った WRITE の加算値の合計

	Client *client.Report
	Server server.Summary

	// カオス・復旧統計（process のみ）
	ChaosKills uint64
	Recovery   *recovery.Stats
	Workers    []cluster.Info
}

// LostUpdates は確認済みの書き込みのうち合計に反映されなかった量を返す
// 再送された WRITE が二重に適用された場合は負になる
func (r *Result) LostUpdates() int64 {
	return r.ExpectedSum - r.Sum
}

// Consistent は最終合計が確認済みの書き込みと一致するかを返す
func (r *Result) Consistent() bool {
	return r.Sum == r.ExpectedSum
}

// Runner はサーバーを起動し、クライアントを走らせて結果を集める
type Runner struct {
	config   Config
	eventBus *events.Bus

	mu      sync.RWMutex
	running bool
	server  server.Server
	driver  *client.Driver
	monkey  *chaos.Monkey
}

// New は新しいRunnerを作成する
func New(config Config) *Runner {
	return &Runner{
		config: config,
	}
}

// SetEventBus はイベントバスを設定する
func (r *Runner) SetEventBus(bus *events.Bus) {
	r.eventBus = bus
}

// Config はシナリオ設定を返す
func (r *Runner) Config() Config {
	return r.config
}

// Run はシナリオを実行する
// サーバーの起動に失敗した場合はエラーを返す
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if err := r.config.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, fmt.Errorf("scenario is already running")
	}
	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	logger.Info("", "=== Scenario '%s' started (%s/%s) ===",
		r.config.Name, r.config.Server.Architecture, r.config.Server.Granularity)

	result := &Result{
		RunID:        uuid.NewString(),
		ScenarioName: r.config.Name,
		Architecture: r.config.Server.Architecture,
		Granularity:  r.config.Server.Granularity.String(),
		StartTime:    time.Now(),
	}

	srv, dialer, err := r.setup(ctx)
	if err != nil {
		return nil, fmt.Errorf("setup failed: %w", err)
	}

	driver := client.New(dialer, r.config.Client)
	r.mu.Lock()
	r.driver = driver
	r.mu.Unlock()

	if r.monkey != nil {
		r.monkey.Start(ctx)
	}

	report, runErr := driver.Run(ctx)
	if r.monkey != nil {
		r.monkey.Stop()
	}

	result.Client = report
	result.Sum = srv.Sum()
	result.Server = srv.Summary()
	if report != nil {
		result.ExpectedSum = report.AckedDelta
	}
	if pe, ok := srv.(*process.Engine); ok {
		stats := pe.RecoveryStats()
		result.Recovery = &stats
		result.Workers = pe.Cluster().Workers()
	}
	if r.monkey != nil {
		result.ChaosKills = r.monkey.Stats().Kills
	}

	if err := srv.Stop(); err != nil {
		logger.Warn("", "server stop: %v", err)
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	logger.Info("", "=== Scenario '%s' completed (sum=%d expected=%d) ===",
		r.config.Name, result.Sum, result.ExpectedSum)

	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

// setup はサーバーを起動し、アーキテクチャに合った接続方法を返す
func (r *Runner) setup(ctx context.Context) (server.Server, client.Dialer, error) {
	srv, err := NewServer(r.config.Server)
	if err != nil {
		return nil, nil, err
	}

	pe, isProcess := srv.(*process.Engine)
	if isProcess && r.eventBus != nil {
		pe.SetEventBus(r.eventBus)
	}

	if err := srv.Start(ctx); err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	r.server = srv
	r.monkey = nil
	if isProcess && r.config.EnableChaos {
		chaosConfig := chaos.DefaultConfig()
		chaosConfig.Interval = r.config.ChaosInterval
		chaosConfig.TargetCount = r.config.ChaosTargets
		r.monkey = chaos.New(pe.Cluster(), chaosConfig)
		if r.eventBus != nil {
			r.monkey.SetEventBus(r.eventBus)
		}
	}
	r.mu.Unlock()

	if isProcess {
		return srv, client.BalancedDialer{Host: r.config.Server.Host, Balancer: pe.Balancer()}, nil
	}
	return srv, client.DirectDialer{Addr: srv.Addr()}, nil
}

// IsRunning は実行中かどうかを返す
func (r *Runner) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Summary は実行中のサーバーの統計を返す
func (r *Runner) Summary() (server.Summary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.server == nil {
		return server.Summary{}, false
	}
	return r.server.Summary(), true
}

// Workers は process サーバーのワーカー状態を返す
func (r *Runner) Workers() ([]cluster.Info, []balancer.WorkerStatus) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pe, ok := r.server.(*process.Engine)
	if !ok {
		return nil, nil
	}
	return pe.Cluster().Workers(), pe.Balancer().Snapshot()
}

// ChaosStats はカオス統計を返す
func (r *Runner) ChaosStats() *chaos.Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.monkey == nil {
		return nil
	}
	stats := r.monkey.Stats()
	return &stats
}

// RecoveryStats は復旧統計を返す
func (r *Runner) RecoveryStats() *recovery.Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pe, ok := r.server.(*process.Engine)
	if !ok {
		return nil
	}
	stats := pe.RecoveryStats()
	return &stats
}

// Driver は実行中のクライアントドライバを返す
func (r *Runner) Driver() *client.Driver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.driver
}

// Report は結果をフォーマットして返す
func (r *Result) Report() string {
	var b strings.Builder
	rule := strings.Repeat("=", 80)

	fmt.Fprintf(&b, "\n%s\n%*s\n%s\n\n", rule, 40+len("SCENARIO REPORT: "+r.ScenarioName)/2,
		"SCENARIO REPORT: "+r.ScenarioName, rule)

	fmt.Fprintf(&b, "EXECUTION SUMMARY\n-----------------\n")
	fmt.Fprintf(&b, "  Run ID:         %s\n", r.RunID)
	fmt.Fprintf(&b, "  Architecture:   %s\n", r.Architecture)
	fmt.Fprintf(&b, "  Locking:        %s\n", r.Granularity)
	fmt.Fprintf(&b, "  Start Time:     %s\n", r.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "  Duration:       %v\n\n", r.Duration.Round(time.Millisecond))

	fmt.Fprintf(&b, "CONSISTENCY\n-----------\n")
	fmt.Fprintf(&b, "  Final Sum:      %d\n", r.Sum)
	fmt.Fprintf(&b, "  Expected Sum:   %d\n", r.ExpectedSum)
	fmt.Fprintf(&b, "  Lost Updates:   %d\n\n", r.LostUpdates())

	if c := r.Client; c != nil {
		m := c.Metrics
		fmt.Fprintf(&b, "TRAFFIC METRICS\n---------------\n")
		fmt.Fprintf(&b, "  Sessions:         %d (completed %d, failed %d)\n", c.Sessions, c.Completed, c.Failed)
		fmt.Fprintf(&b, "  Requests:         %d (reads %d, writes %d)\n", m.TotalRequests, c.Reads, c.Writes)
		fmt.Fprintf(&b, "  Protocol Errors:  %d\n", c.ProtocolErrors)
		fmt.Fprintf(&b, "  Error Rate:       %.2f%%\n", m.ErrorRate*100)
		fmt.Fprintf(&b, "  Throughput:       %.1f req/s\n", m.OverallRPS)
		fmt.Fprintf(&b, "  Avg Latency:      %v\n", m.AverageLatency.Round(time.Microsecond))
		fmt.Fprintf(&b, "  P99 Latency:      %v\n", m.P99Latency.Round(time.Microsecond))
		fmt.Fprintf(&b, "  Retries:          %d\n", c.Retries)
		fmt.Fprintf(&b, "  Failovers:        %d\n\n", c.Failovers)
	}

	fmt.Fprintf(&b, "SERVER\n------\n  %s\n", r.Server)

	if r.Recovery != nil {
		fmt.Fprintf(&b, "\nCHAOS / RECOVERY\n----------------\n")
		fmt.Fprintf(&b, "  Chaos Kills:        %d\n", r.ChaosKills)
		fmt.Fprintf(&b, "  Restarts:           %d (ok %d, failed %d)\n",
			r.Recovery.TotalRestarts, r.Recovery.SuccessRestarts, r.Recovery.FailedRestarts)
		fmt.Fprintf(&b, "\nFINAL WORKER STATUS\n-------------------\n")
		for _, w := range r.Workers {
			fmt.Fprintf(&b, "  %-20s %s (pid %d, restarts %d)\n",
				fmt.Sprintf("worker-%d:", w.Port), w.Status, w.PID, w.Restarts)
		}
	}

	b.WriteString("\n" + rule)
	return b.String()
}
