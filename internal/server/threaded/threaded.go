package threaded

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"sobench/internal/logger"
	"sobench/internal/pool"
	"sobench/internal/server"
	"sobench/internal/store"
)

var _ server.Server = (*Engine)(nil)

// Engine は接続ごとにプールのワーカーを割り当てるサーバー
type Engine struct {
	config  server.Config
	store   *store.Store
	pool    *pool.Pool
	tracker *server.ConnTracker
	monitor *server.Monitor
	conns   *server.ConnSet

	listener net.Listener
	running  atomic.Bool
	connID   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// New は新しいエンジンを作成する
func New(config server.Config) *Engine {
	e := &Engine{
		config:  config,
		store:   store.New(config.StoreSize, config.Granularity),
		tracker: server.NewConnTracker(),
		conns:   server.NewConnSet(),
		pool: pool.NewWithConfig(pool.Config{
			Name:        "conn-pool",
			NumWorkers:  config.PoolSize,
			QueueFactor: 1,
		}),
	}
	e.monitor = server.NewMonitor(e.tracker, config.IdleWindow, e.reportSummary)
	return e
}

// Start はリスナーを開いて受付ループを起動する
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return fmt.Errorf("server is already running")
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", e.config.ListenAddr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", e.config.ListenAddr(), err)
	}
	e.listener = ln
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.running.Store(true)

	e.pool.Start(e.ctx)
	e.monitor.Start(e.ctx)

	e.wg.Add(1)
	go e.acceptLoop()

	logger.Info("server", "thread pool server listening on %s (size=%d, locking=%s, workers=%d)",
		ln.Addr(), e.config.StoreSize, e.config.Granularity, e.pool.NumWorkers())
	return nil
}

func (e *Engine) acceptLoop() {
	defer e.wg.Done()

	for {
		conn, err := e.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || e.ctx.Err() != nil {
				return
			}
			logger.Warn("server", "accept failed: %v", err)
			continue
		}

		e.tracker.Opened()
		e.conns.Add(conn)
		id := fmt.Sprintf("conn-%d", e.connID.Add(1))

		// 全ワーカーが埋まっている間は受付ループもここで待つ
		if !e.pool.Submit(func() { e.handle(conn, id) }) {
			e.release(conn)
			return
		}
	}
}

func (e *Engine) handle(conn net.Conn, id string) {
	defer e.release(conn)
	// 停止後にキューから取り出された接続は処理しない
	if e.ctx.Err() != nil {
		return
	}
	server.ServeConn(conn, e.store, e.tracker, id)
}

func (e *Engine) release(conn net.Conn) {
	_ = conn.Close()
	e.conns.Remove(conn)
	e.tracker.Closed()
}

// Stop は受付を止め、処理中の接続が相手から閉じられるのを待って最終合計を出力する
// キューに残ったまま実行されなかった接続は閉じる
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running.Load() {
		return fmt.Errorf("server is not running")
	}
	e.running.Store(false)

	e.cancel()
	err := e.listener.Close()
	e.wg.Wait()

	if n := e.pool.Busy(); n > 0 {
		logger.Info("server", "waiting for %d in-flight connections to close", n)
	}
	e.pool.Abort()
	e.monitor.Stop()

	for range e.conns.Drain() {
		e.tracker.Closed()
	}

	logger.Info("server", "stopped: %s", e.Summary())
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (e *Engine) reportSummary() {
	logger.Info("server", "summary: %s", e.Summary())
}

// Sum はストア全体の合計を返す
func (e *Engine) Sum() int64 {
	return e.store.Sum()
}

// Store は内部のストアを返す
func (e *Engine) Store() *store.Store {
	return e.store
}

// Summary は現在の統計を返す
func (e *Engine) Summary() server.Summary {
	s := server.Summary{
		Architecture: server.ArchThread,
		Granularity:  e.store.Granularity().String(),
		StoreSize:    e.store.Size(),
		Sum:          e.store.Sum(),
	}
	e.tracker.Fill(&s)
	return s
}

// Addr は待受アドレスを返す
func (e *Engine) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return e.config.ListenAddr()
	}
	return e.listener.Addr().String()
}
