package chaos

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"sobench/internal/events"
	"sobench/internal/logger"
)

// Target は攻撃対象のワーカープロセス群（*cluster.Cluster が満たす）
type Target interface {
	Ports() []int
	Alive(port int) bool
	PID(port int) int
	Kill(port int) error
}

// Config はChaosMonkeyの設定
type Config struct {
	Interval    time.Duration // 攻撃間隔
	TargetCount int           // 一回に停止させるワーカー数
	MinAlive    int           // これより生存数が少なければ攻撃しない
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Second,
		TargetCount: 1,
		MinAlive:    1,
	}
}

// Stats はカオス攻撃の統計情報
type Stats struct {
	TotalAttacks uint64    `json:"total_attacks"`
	Kills        uint64    `json:"kills"`
	Skipped      uint64    `json:"skipped"`
	LastAttack   time.Time `json:"last_attack"`
}

// Monkey は生きているワーカープロセスを定期的に強制終了する
type Monkey struct {
	config   Config
	target   Target
	eventBus *events.Bus

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu    sync.RWMutex
	stats Stats
}

// New は新しいChaosMonkeyを作成する
func New(target Target, config Config) *Monkey {
	return &Monkey{
		config: config,
		target: target,
	}
}

// SetEventBus はイベントバスを設定する
func (m *Monkey) SetEventBus(bus *events.Bus) {
	m.eventBus = bus
}

func (m *Monkey) publishEvent(event events.Event) {
	if m.eventBus != nil {
		m.eventBus.Publish(event)
	}
}

// Start はカオス注入を開始する
func (m *Monkey) Start(ctx context.Context) {
	if m.running.Swap(true) {
		return
	}

	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.attackLoop()

	logger.Info("", "ChaosMonkey started (interval: %v, targets: %d)",
		m.config.Interval, m.config.TargetCount)
}

// Stop はカオス注入を停止する
func (m *Monkey) Stop() {
	if !m.running.Swap(false) {
		return
	}

	m.cancel()
	m.wg.Wait()

	logger.Info("", "ChaosMonkey stopped (total kills: %d)", m.Stats().Kills)
}

func (m *Monkey) attackLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Attack()
		}
	}
}

// Attack は一回分の攻撃を実行し、停止させたポートを返す
func (m *Monkey) Attack() []int {
	targets := m.selectTargets()

	m.mu.Lock()
	m.stats.TotalAttacks++
	m.stats.LastAttack = time.Now()
	if len(targets) == 0 {
		m.stats.Skipped++
	}
	m.mu.Unlock()

	var killed []int
	for _, port := range targets {
		if err := m.kill(port); err != nil {
			logger.Warn(fmt.Sprintf("worker-%d", port), "ChaosMonkey: failed to kill worker: %v", err)
			continue
		}
		killed = append(killed, port)
	}
	return killed
}

// selectTargets は MinAlive を残して生きているワーカーをランダムに選ぶ
func (m *Monkey) selectTargets() []int {
	var alive []int
	for _, port := range m.target.Ports() {
		if m.target.Alive(port) {
			alive = append(alive, port)
		}
	}

	count := min(m.config.TargetCount, len(alive)-m.config.MinAlive)
	if count <= 0 {
		return nil
	}

	rand.Shuffle(len(alive), func(i, j int) {
		alive[i], alive[j] = alive[j], alive[i]
	})
	return alive[:count]
}

func (m *Monkey) kill(port int) error {
	pid := m.target.PID(port)
	if err := m.target.Kill(port); err != nil {
		return err
	}
	logger.Warn(fmt.Sprintf("worker-%d", port), "ChaosMonkey: killed worker process (pid %d)", pid)
	m.publishEvent(events.NewChaosKillEvent(port, pid))

	m.mu.Lock()
	m.stats.Kills++
	m.mu.Unlock()
	return nil
}

// IsRunning は実行中かどうかを返す
func (m *Monkey) IsRunning() bool {
	return m.running.Load()
}

// Stats は攻撃統計を返す
func (m *Monkey) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
