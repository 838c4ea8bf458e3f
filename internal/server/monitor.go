package server

import (
	"context"
	"sync"
	"time"

	"sobench/internal/logger"
)

// DefaultMonitorTick はアイドル判定の間隔
const DefaultMonitorTick = 2 * time.Second

// Monitor は接続が途絶えた状態を検知して集計を出力する
// 一度出力したら、次のアクティビティまで再出力しない
type Monitor struct {
	tracker *ConnTracker
	window  time.Duration
	tick    time.Duration
	report  func()

	mu       sync.Mutex
	reported bool
	lastSeen time.Duration
	reports  int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewMonitor は新しいモニターを作成する
// report はアイドル検知時に呼ばれる
func NewMonitor(tracker *ConnTracker, window time.Duration, report func()) *Monitor {
	tick := DefaultMonitorTick
	if window > 0 && window < tick {
		tick = window / 2
	}
	return &Monitor{
		tracker: tracker,
		window:  window,
		tick:    tick,
		report:  report,
	}
}

// SetTick は判定間隔を変更する（Start 前に呼ぶ）
func (m *Monitor) SetTick(d time.Duration) {
	if d > 0 {
		m.tick = d
	}
}

// Start は監視ゴルーチンを起動する
// window が 0 以下の場合は何もしない
func (m *Monitor) Start(ctx context.Context) {
	if m.window <= 0 {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.tick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.check()
			}
		}
	}()
}

// Stop は監視を止める
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Reports は集計を出力した回数を返す
func (m *Monitor) Reports() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reports
}

func (m *Monitor) check() {
	idle := m.tracker.IdleFor()

	m.mu.Lock()
	// アイドル時間が縮んだ = 新しいアクティビティがあった
	if idle < m.lastSeen {
		m.reported = false
	}
	m.lastSeen = idle

	if m.reported || idle < m.window || m.tracker.Active() != 0 {
		m.mu.Unlock()
		return
	}
	m.reported = true
	m.reports++
	m.mu.Unlock()

	logger.Debug("monitor", "idle for %v, reporting summary", idle.Truncate(time.Millisecond))
	if m.report != nil {
		m.report()
	}
}
