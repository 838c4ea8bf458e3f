package balancer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNoHealthyWorker は全ワーカーが故障中のときに返される
var ErrNoHealthyWorker = errors.New("no healthy worker available")

// WorkerStatus はワーカー一つ分の状態
type WorkerStatus struct {
	Port        int  `json:"port"`
	Connections int  `json:"connections"`
	Failed      bool `json:"failed"`
	Queued      bool `json:"queued"`
}

type worker struct {
	connections int
	failed      bool
}

// Balancer はワーカーポートへの接続割り当てを管理する
// 全操作は一つのミューテックスの下で行い、I/O の間は保持しない
type Balancer struct {
	mu       sync.Mutex
	workers  map[int]*worker
	ports    []int // 昇順
	queue    []int
	inQueue  map[int]bool
	maxConns int
}

// New は basePort+1 から numWorkers 個のワーカーを持つバランサーを作成する
func New(basePort, numWorkers, maxConnsPerWorker int) *Balancer {
	ports := make([]int, numWorkers)
	for i := range numWorkers {
		ports[i] = basePort + i + 1
	}
	return NewWithPorts(ports, maxConnsPerWorker)
}

// NewWithPorts は任意のポート集合でバランサーを作成する
func NewWithPorts(ports []int, maxConnsPerWorker int) *Balancer {
	b := &Balancer{
		workers:  make(map[int]*worker, len(ports)),
		inQueue:  make(map[int]bool, len(ports)),
		maxConns: maxConnsPerWorker,
	}
	for _, p := range ports {
		if _, ok := b.workers[p]; ok {
			continue
		}
		b.workers[p] = &worker{}
		b.ports = append(b.ports, p)
	}
	sort.Ints(b.ports)
	for _, p := range ports {
		b.enqueue(p)
	}
	return b
}

// enqueue はポートがキューになければ末尾に追加する（mu 保持中に呼ぶ）
func (b *Balancer) enqueue(port int) {
	if b.inQueue[port] {
		return
	}
	b.queue = append(b.queue, port)
	b.inQueue[port] = true
}

func (b *Balancer) remove(port int) {
	if !b.inQueue[port] {
		return
	}
	for i, p := range b.queue {
		if p == port {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			break
		}
	}
	delete(b.inQueue, port)
}

// NextWorkerPort は次に接続すべきワーカーのポートを返し、接続数を加算する
func (b *Balancer) NextWorkerPort() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	port := -1
	for len(b.queue) > 0 {
		p := b.queue[0]
		b.queue = b.queue[1:]
		delete(b.inQueue, p)

		w := b.workers[p]
		if w.failed || w.connections >= b.maxConns {
			continue
		}
		port = p
		break
	}

	if port < 0 {
		port = b.leastLoaded()
		if port < 0 {
			return 0, ErrNoHealthyWorker
		}
	}

	w := b.workers[port]
	w.connections++
	if w.connections < b.maxConns {
		b.enqueue(port)
	}
	return port, nil
}

// leastLoaded は故障していないワーカーのうち接続数が最小のものを返す
// 同数なら小さいポートを優先する
func (b *Balancer) leastLoaded() int {
	best := -1
	for _, p := range b.ports {
		w := b.workers[p]
		if w.failed {
			continue
		}
		if best < 0 || w.connections < b.workers[best].connections {
			best = p
		}
	}
	return best
}

// MarkFailed はワーカーを故障として扱い、キューから外す
func (b *Balancer) MarkFailed(port int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.workers[port]
	if !ok {
		return
	}
	w.failed = true
	b.remove(port)
}

// MarkRecovered はワーカーを正常に戻し、空きがあればキューに入れる
func (b *Balancer) MarkRecovered(port int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.workers[port]
	if !ok {
		return
	}
	w.failed = false
	if w.connections < b.maxConns {
		b.enqueue(port)
	}
}

// Release は接続の終了を記録する
func (b *Balancer) Release(port int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.workers[port]
	if !ok {
		return
	}
	if w.connections > 0 {
		w.connections--
	}
	if !w.failed && w.connections < b.maxConns {
		b.enqueue(port)
	}
}

// IsHealthy はワーカーが登録済みかつ故障していないかを返す
func (b *Balancer) IsHealthy(port int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.workers[port]
	return ok && !w.failed
}

// HealthyCount は故障していないワーカー数を返す
func (b *Balancer) HealthyCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, w := range b.workers {
		if !w.failed {
			n++
		}
	}
	return n
}

// Snapshot はポート順の状態一覧を返す
func (b *Balancer) Snapshot() []WorkerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]WorkerStatus, 0, len(b.ports))
	for _, p := range b.ports {
		w := b.workers[p]
		out = append(out, WorkerStatus{
			Port:        p,
			Connections: w.connections,
			Failed:      w.failed,
			Queued:      b.inQueue[p],
		})
	}
	return out
}

// Ports は登録済みのポートを昇順で返す
func (b *Balancer) Ports() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.ports...)
}

func (s WorkerStatus) String() string {
	state := "healthy"
	if s.Failed {
		state = "failed"
	}
	return fmt.Sprintf("worker %d: %s, %d connections", s.Port, state, s.Connections)
}
