package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"sobench/internal/logger"
	"sobench/internal/metrics"
	"sobench/internal/pool"
	"sobench/internal/protocol"
)

// ErrExhaustedRetry は再試行の上限まで接続できなかったことを示す
var ErrExhaustedRetry = errors.New("exhausted connection retries")

// Config はClientDriverの設定
type Config struct {
	Clients   int     // セッション数
	Reads     int     // セッションあたりの READ 数
	Writes    int     // セッションあたりの WRITE 数
	Pattern   Pattern // READ/WRITE の並べ方
	StoreSize int     // 位置は [0, StoreSize) から選ぶ
	HotCells  int     // 先頭 HotCells 個のセルだけを狙う（0で全セル）
	Delta     int64   // WRITE の加算値

	MaxOpenConns   int           // 同時に開ける接続数の上限
	MaxRetries     int           // 接続の再試行上限
	InitialBackoff time.Duration // 最初の再試行までの待機
	Jitter         time.Duration // 待機に加える乱数の上限
	IOTimeout      time.Duration // 一往復のタイムアウト（0で無制限、既定）

	PoolSize int // 同時に実行するセッション数（0でClients）
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Clients:        100,
		Reads:          10,
		Writes:         10,
		Pattern:        PatternInterleaved,
		StoreSize:      1000,
		Delta:          protocol.DefaultDelta,
		MaxOpenConns:   1000,
		MaxRetries:     5,
		InitialBackoff: 100 * time.Millisecond,
		Jitter:         50 * time.Millisecond,
	}
}

// Validate は設定を検証する
func (c Config) Validate() error {
	if c.Clients <= 0 {
		return fmt.Errorf("clients must be positive")
	}
	if c.Reads < 0 || c.Writes < 0 {
		return fmt.Errorf("reads and writes must not be negative")
	}
	if c.StoreSize <= 0 {
		return fmt.Errorf("store size must be positive")
	}
	if c.HotCells < 0 || c.HotCells > c.StoreSize {
		return fmt.Errorf("hot cells must be between 0 and %d", c.StoreSize)
	}
	if c.MaxOpenConns <= 0 {
		return fmt.Errorf("max open connections must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	if c.InitialBackoff < 0 || c.Jitter < 0 {
		return fmt.Errorf("backoff and jitter must not be negative")
	}
	if _, err := ParsePattern(string(c.Pattern)); err != nil {
		return err
	}
	return nil
}

// Report は Run の集計結果
type Report struct {
	Sessions       int
	Completed      int
	Failed         int
	Reads          uint64
	Writes         uint64
	WritesAcked    uint64
	AckedDelta     int64 // OK が返った WRITE の加算値の合計
	ProtocolErrors uint64
	Retries        uint64
	Failovers      uint64
	Elapsed        time.Duration
	FirstError     error
	Metrics        metrics.Snapshot
}

func (r *Report) String() string {
	return fmt.Sprintf("sessions=%d completed=%d failed=%d reads=%d writes=%d acked=%d protocol_errors=%d retries=%d failovers=%d elapsed=%v",
		r.Sessions, r.Completed, r.Failed, r.Reads, r.Writes, r.WritesAcked,
		r.ProtocolErrors, r.Retries, r.Failovers, r.Elapsed.Round(time.Millisecond))
}

// Driver は並行するクライアントセッションで負荷を生成する
type Driver struct {
	config  Config
	dialer  Dialer
	sem     *semaphore.Weighted
	metrics *metrics.Metrics

	// sleep は再試行の待機（テストで差し替える）
	sleep func(ctx context.Context, d time.Duration) error

	running     atomic.Bool
	writesAcked atomic.Uint64
	ackedDelta  atomic.Int64
	protoErrs   atomic.Uint64

	errMu    sync.Mutex
	firstErr error
}

// New は新しいドライバを作成する
func New(dialer Dialer, config Config) *Driver {
	if config.Pattern == "" {
		config.Pattern = PatternInterleaved
	}
	maxOpen := int64(config.MaxOpenConns)
	if maxOpen <= 0 {
		maxOpen = 1
	}
	return &Driver{
		config:  config,
		dialer:  dialer,
		sem:     semaphore.NewWeighted(maxOpen),
		metrics: metrics.New(),
		sleep:   sleepContext,
	}
}

// Metrics はメトリクスを返す
func (d *Driver) Metrics() *metrics.Metrics {
	return d.metrics
}

// IsRunning は実行中かどうかを返す
func (d *Driver) IsRunning() bool {
	return d.running.Load()
}

// Run は全セッションを実行し、全て終わる（または再試行を使い切る）まで待つ
// ctx がキャンセルされた場合は集計とともに ctx.Err() を返す
func (d *Driver) Run(ctx context.Context) (*Report, error) {
	if err := d.config.Validate(); err != nil {
		return nil, err
	}
	if d.running.Swap(true) {
		return nil, fmt.Errorf("driver is already running")
	}
	defer d.running.Store(false)

	poolSize := d.config.PoolSize
	if poolSize <= 0 {
		poolSize = d.config.Clients
	}
	p := pool.NewWithConfig(pool.Config{
		Name:        "client-pool",
		NumWorkers:  poolSize,
		QueueFactor: 1,
	})
	p.Start(ctx)

	logger.Info("client", "Driver started (sessions=%d, reads=%d, writes=%d, pattern=%s, max_open=%d)",
		d.config.Clients, d.config.Reads, d.config.Writes, d.config.Pattern, d.config.MaxOpenConns)

	start := time.Now()
	var completed, failed atomic.Int64
	var wg sync.WaitGroup

	for i := range d.config.Clients {
		id := fmt.Sprintf("client-%d", i+1)
		wg.Add(1)
		ok := p.Submit(func() {
			defer wg.Done()
			if err := d.runSession(ctx, id); err != nil {
				failed.Add(1)
				d.recordError(err)
				logger.Warn(id, "session failed: %v", err)
				return
			}
			completed.Add(1)
		})
		if !ok {
			wg.Done()
			failed.Add(1)
			d.recordError(fmt.Errorf("%s: not dispatched: %w", id, context.Cause(ctx)))
		}
	}

	// 完了バリア
	wg.Wait()
	p.Stop()

	snap := d.metrics.Snapshot()
	report := &Report{
		Sessions:       d.config.Clients,
		Completed:      int(completed.Load()),
		Failed:         int(failed.Load()),
		Reads:          snap.Reads,
		Writes:         snap.Writes,
		WritesAcked:    d.writesAcked.Load(),
		AckedDelta:     d.ackedDelta.Load(),
		ProtocolErrors: d.protoErrs.Load(),
		Retries:        snap.Retries,
		Failovers:      snap.Failovers,
		Elapsed:        time.Since(start),
		FirstError:     d.firstError(),
		Metrics:        snap,
	}

	logger.Info("client", "Driver finished: %s", report)
	return report, ctx.Err()
}

func (d *Driver) recordError(err error) {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	if d.firstErr == nil {
		d.firstErr = err
	}
}

func (d *Driver) firstError() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.firstErr
}

// connectWithRetry は接続枠を確保して接続する
// 失敗したら枠を返し、backoff+jitter 待って backoff を倍にし、MaxRetries 回まで再試行する
func (d *Driver) connectWithRetry(ctx context.Context, id string) (*Conn, error) {
	backoff := d.config.InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= d.config.MaxRetries; attempt++ {
		if attempt > 0 {
			d.metrics.RecordRetry()
			wait := backoff
			if d.config.Jitter > 0 {
				wait += rand.N(d.config.Jitter)
			}
			logger.Debug(id, "retrying connection in %v (attempt %d/%d): %v", wait, attempt, d.config.MaxRetries, lastErr)
			if err := d.sleep(ctx, wait); err != nil {
				return nil, err
			}
			backoff *= 2
		}

		if err := d.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		conn, err := d.dialer.Dial(ctx)
		if err != nil {
			d.sem.Release(1)
			lastErr = err
			continue
		}
		conn.OnClose(func(bool) { d.sem.Release(1) })
		logger.Debug(id, "connected to %s", conn.Target())
		return conn, nil
	}

	return nil, fmt.Errorf("%w after %d retries: %w", ErrExhaustedRetry, d.config.MaxRetries, lastErr)
}

// runSession は一つのセッションの操作列を実行する
// 途中で I/O エラーが起きたら接続を故障として閉じ、再接続して同じ操作をやり直す
func (d *Driver) runSession(ctx context.Context, id string) error {
	ops := d.config.Pattern.Sequence(d.config.Reads, d.config.Writes)

	conn, err := d.connectWithRetry(ctx, id)
	if err != nil {
		return err
	}
	defer func() {
		if conn != nil {
			_ = conn.Close(false)
		}
	}()

	failovers := 0
	for i := 0; i < len(ops); {
		if err := ctx.Err(); err != nil {
			return err
		}
		cmd := d.command(ops[i])
		kind := metrics.KindRead
		if cmd.Op == protocol.OpWrite {
			kind = metrics.KindWrite
		}

		start := time.Now()
		resp, err := conn.Exchange(cmd.String(), d.config.IOTimeout)
		latency := time.Since(start)

		if err != nil {
			d.metrics.RecordFailure(kind, latency)
			logger.Warn(id, "%s on %s failed: %v", cmd, conn.Target(), err)
			_ = conn.Close(true)
			conn = nil

			failovers++
			if failovers > d.config.MaxRetries {
				return fmt.Errorf("%w: session gave up after %d reconnects: %w", ErrExhaustedRetry, d.config.MaxRetries, err)
			}
			d.metrics.RecordFailover()
			if conn, err = d.connectWithRetry(ctx, id); err != nil {
				return err
			}
			continue
		}

		logger.Debug(id, "%s -> %s", cmd, resp)
		if protocol.IsError(resp) {
			d.metrics.RecordFailure(kind, latency)
			d.protoErrs.Add(1)
		} else {
			d.metrics.RecordSuccess(kind, latency)
			if cmd.Op == protocol.OpWrite {
				d.writesAcked.Add(1)
				d.ackedDelta.Add(cmd.Delta)
			}
		}
		i++
	}
	return nil
}

// command は操作に乱数の位置を割り当てる
func (d *Driver) command(op protocol.Op) protocol.Command {
	cells := d.config.StoreSize
	if d.config.HotCells > 0 {
		cells = d.config.HotCells
	}
	pos := rand.IntN(cells)
	if op == protocol.OpWrite {
		delta := d.config.Delta
		if delta == 0 {
			delta = protocol.DefaultDelta
		}
		return protocol.Write(pos, delta)
	}
	return protocol.Read(pos)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
