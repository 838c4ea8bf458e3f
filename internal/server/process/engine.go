package process

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"sobench/internal/balancer"
	"sobench/internal/cluster"
	"sobench/internal/events"
	"sobench/internal/logger"
	"sobench/internal/recovery"
	"sobench/internal/server"
	"sobench/internal/shm"
	"sobench/internal/store"
)

// ErrNotServed は監督プロセスのポートに届いたリクエストへの応答
var ErrNotServed = errors.New("main process does not serve requests, connect to a worker port")

var _ server.Server = (*Engine)(nil)

// Engine はワーカープロセス群を監督するサーバー
// リクエストは各ワーカーが共有領域に対して処理する
type Engine struct {
	config   server.Config
	balancer *balancer.Balancer
	cluster  *cluster.Cluster
	recovery *recovery.Manager

	region   *shm.Region
	finalSum atomic.Int64

	listener net.Listener
	tracker  *server.ConnTracker
	conns    *server.ConnSet

	running atomic.Bool
	mu      sync.Mutex
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// New は新しいエンジンを作成する
func New(config server.Config) *Engine {
	ports := make([]int, config.Workers)
	for i := range config.Workers {
		ports[i] = config.WorkerPort(i)
	}

	e := &Engine{
		config:   config,
		balancer: balancer.NewWithPorts(ports, config.MaxConnsPerWorker),
		tracker:  server.NewConnTracker(),
		conns:    server.NewConnSet(),
	}
	e.cluster = cluster.New(cluster.Config{
		Host:    config.Host,
		Ports:   ports,
		Command: config.WorkerCommand,
		Env:     config.WorkerEnv,
		Args: func(port int) []string {
			return e.WorkerConfig(port).Args()
		},
	})
	e.recovery = recovery.New(e.cluster, e.balancer, recovery.Config{
		Host:           config.Host,
		HealthInterval: config.HealthInterval,
		RestartWait:    config.RestartWait,
	})
	return e
}

// WorkerConfig はポートのワーカーに渡す設定を返す
func (e *Engine) WorkerConfig(port int) WorkerConfig {
	return WorkerConfig{
		Host:       e.config.Host,
		Port:       port,
		Size:       e.config.StoreSize,
		SharedFile: e.config.SharedFile,
		LockMode:   e.config.Granularity != store.None,
		LogEnabled: e.config.LogEnabled,
	}
}

// SetEventBus はイベントバスを設定する（Start 前に呼ぶ）
func (e *Engine) SetEventBus(bus *events.Bus) {
	e.recovery.SetEventBus(bus)
}

// Start は共有領域を作成し、ワーカーを起動してヘルスチェックを開始する
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return fmt.Errorf("server is already running")
	}

	region, err := shm.Create(e.config.SharedFile, e.config.StoreSize, e.config.Granularity != store.None)
	if err != nil {
		return err
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", e.config.ListenAddr())
	if err != nil {
		_ = region.Close()
		_ = region.Remove()
		return fmt.Errorf("failed to listen on %s: %w", e.config.ListenAddr(), err)
	}

	if err := e.cluster.Launch(ctx); err != nil {
		_ = e.cluster.StopAll()
		_ = ln.Close()
		_ = region.Close()
		_ = region.Remove()
		return fmt.Errorf("failed to launch workers: %w", err)
	}

	e.region = region
	e.listener = ln
	e.running.Store(true)

	var rctx context.Context
	rctx, e.cancel = context.WithCancel(ctx)
	e.recovery.Start(rctx)

	e.wg.Add(1)
	go e.acceptLoop()

	logger.Info("server", "process server listening on %s with %d workers (size=%d, locking=%s, shared=%s)",
		ln.Addr(), e.config.Workers, e.config.StoreSize, e.config.Granularity, e.config.SharedFile)
	return nil
}

// acceptLoop は監督プロセスのポートへの接続にエラー応答を返す
func (e *Engine) acceptLoop() {
	defer e.wg.Done()

	for {
		conn, err := e.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("server", "accept failed: %v", err)
			continue
		}
		e.tracker.Opened()
		e.conns.Add(conn)

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer func() {
				_ = conn.Close()
				e.conns.Remove(conn)
				e.tracker.Closed()
			}()
			server.ServeConn(conn, rejectBackend{size: e.config.StoreSize}, e.tracker, "supervisor")
		}()
	}
}

// Stop はヘルスチェックを止め、全ワーカーを終了させて共有領域を削除する
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running.Load() {
		return fmt.Errorf("server is not running")
	}
	e.running.Store(false)

	e.recovery.Stop()
	e.cancel()
	stopErr := e.cluster.StopAll()

	_ = e.listener.Close()
	e.conns.CloseAll()
	e.wg.Wait()

	e.finalSum.Store(e.region.Sum())
	logger.Info("server", "stopped: %s", e.Summary())

	var errs []error
	if stopErr != nil {
		errs = append(errs, stopErr)
	}
	if err := e.region.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.region.Remove(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Sum は共有領域をロックなしで合計する
// 停止後は停止時点の合計を返す
func (e *Engine) Sum() int64 {
	if e.running.Load() && e.region != nil {
		return e.region.Sum()
	}
	return e.finalSum.Load()
}

// Summary は現在の統計を返す
func (e *Engine) Summary() server.Summary {
	s := server.Summary{
		Architecture: server.ArchProcess,
		Granularity:  e.config.Granularity.String(),
		StoreSize:    e.config.StoreSize,
		Sum:          e.Sum(),
	}
	e.tracker.Fill(&s)
	var active int64
	for _, w := range e.balancer.Snapshot() {
		active += int64(w.Connections)
	}
	s.Active = active
	return s
}

// Addr は監督プロセスの待受アドレスを返す
func (e *Engine) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return e.config.ListenAddr()
	}
	return e.listener.Addr().String()
}

// WorkerAddr はワーカーの接続先を返す
func (e *Engine) WorkerAddr(port int) string {
	return net.JoinHostPort(e.config.Host, strconv.Itoa(port))
}

// Balancer はクライアントが共有する振り分け状態を返す
func (e *Engine) Balancer() *balancer.Balancer {
	return e.balancer
}

// Cluster はワーカープロセス群を返す
func (e *Engine) Cluster() *cluster.Cluster {
	return e.cluster
}

// RecoveryStats は再起動統計を返す
func (e *Engine) RecoveryStats() recovery.Stats {
	return e.recovery.Stats()
}

// CheckWorkers はヘルスチェックを一度だけ同期的に実行する
func (e *Engine) CheckWorkers(ctx context.Context) {
	e.recovery.Check(ctx)
}

// rejectBackend は全リクエストを ErrNotServed で拒否する
type rejectBackend struct {
	size int
}

func (r rejectBackend) Read(int) (int64, error) { return 0, ErrNotServed }

func (r rejectBackend) Accumulate(int, int64) error { return ErrNotServed }

func (r rejectBackend) Sum() int64 { return 0 }

func (r rejectBackend) Size() int { return r.size }
