package pool

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"sobench/internal/logger"
)

// Job はワーカーが実行するジョブを表す
type Job func()

// Config はワーカープールの設定
type Config struct {
	Name        string // ログ用の名前
	NumWorkers  int    // ワーカー数（0でCPU数）
	QueueFactor int    // キューサイズ = NumWorkers * QueueFactor
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Name:        "pool",
		NumWorkers:  0,   // CPU数
		QueueFactor: 100, // デフォルト倍率
	}
}

// Pool は固定数のゴルーチンでジョブを処理する
type Pool struct {
	name       string
	numWorkers int
	jobs       chan Job
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc

	// closeMu は jobs への送信と close を排他する
	closeMu  sync.RWMutex
	started  bool
	closed   bool
	stopping atomic.Bool
	busy     atomic.Int32
	mu       sync.Mutex
}

// New は新しいワーカープールを作成する
// numWorkers が 0 以下の場合は CPU 数を使用
func New(numWorkers int) *Pool {
	config := DefaultConfig()
	config.NumWorkers = numWorkers
	return NewWithConfig(config)
}

// NewWithConfig は設定を指定してワーカープールを作成する
func NewWithConfig(config Config) *Pool {
	numWorkers := config.NumWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	queueFactor := config.QueueFactor
	if queueFactor <= 0 {
		queueFactor = 100
	}
	name := config.Name
	if name == "" {
		name = "pool"
	}
	return &Pool{
		name:       name,
		numWorkers: numWorkers,
		jobs:       make(chan Job, numWorkers*queueFactor),
	}
}

// Start はワーカープールを起動する
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.started = true

	for i := range p.numWorkers {
		p.wg.Add(1)
		go p.worker(i)
	}

	logger.Debug("", "%s started with %d workers", p.name, p.numWorkers)
}

// worker は個々のワーカーゴルーチン
func (p *Pool) worker(_ int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.busy.Add(1)
			job()
			p.busy.Add(-1)
		}
	}
}

// TrySubmit はジョブをプールに送信する
// キューが満杯の場合は待たずに false を返す
func (p *Pool) TrySubmit(job Job) bool {
	if p.stopping.Load() {
		return false
	}

	p.closeMu.RLock()
	defer p.closeMu.RUnlock()

	if p.closed || p.ctx == nil || p.ctx.Err() != nil {
		return false
	}

	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// Submit はジョブをプールに送信する
func (p *Pool) Submit(job Job) bool {
	return p.SubmitWait(job)
}

// SubmitWait はジョブを送信し、キューに空きがなければブロックする
func (p *Pool) SubmitWait(job Job) bool {
	if p.stopping.Load() {
		return false
	}

	p.closeMu.RLock()
	defer p.closeMu.RUnlock()

	if p.closed || p.ctx == nil {
		return false
	}

	select {
	case <-p.ctx.Done():
		return false
	default:
	}

	select {
	case <-p.ctx.Done():
		return false
	case p.jobs <- job:
		return true
	}
}

// Shutdown は新規ジョブの受付を止める
// キュー済みのジョブは引き続き処理され、完了は待たない
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if p.stopping.Swap(true) {
		return
	}

	p.closeMu.Lock()
	p.closed = true
	close(p.jobs)
	p.closeMu.Unlock()
}

// Wait は全ワーカーの終了を待つ
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Stop は受付を止め、キュー済みジョブの完了を待ってから停止する
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.Shutdown()
	p.wg.Wait()
	p.cancel()

	p.mu.Lock()
	p.started = false
	p.mu.Unlock()

	logger.Debug("", "%s stopped", p.name)
}

// Abort はキュー済みジョブを破棄して停止する
// 実行中のジョブの完了は待つ
func (p *Pool) Abort() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.cancel()
	p.Shutdown()
	p.wg.Wait()

	p.mu.Lock()
	p.started = false
	p.mu.Unlock()
}

// NumWorkers はワーカー数を返す
func (p *Pool) NumWorkers() int {
	return p.numWorkers
}

// Busy は実行中のジョブ数を返す
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

// QueueSize は現在のキューサイズを返す
func (p *Pool) QueueSize() int {
	return len(p.jobs)
}
