package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"sobench/internal/logger"
)

// Manager はワーカープロセス群の基本操作を定義するインターフェース
type Manager interface {
	Launch(ctx context.Context) error
	Restart(port int) error
	Alive(port int) bool
	Kill(port int) error
	StopAll() error
	Ports() []int
	Size() int
	RunningCount() int
}

// Ensure Cluster implements Manager
var _ Manager = (*Cluster)(nil)

// Status はワーカープロセスの状態
type Status int

const (
	StatusStopped Status = iota
	StatusRunning
	StatusExited
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusRunning:
		return "running"
	case StatusExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Config はクラスタの設定
type Config struct {
	Host  string
	Ports []int

	// Command は起動コマンドの先頭部分（空なら実行ファイル自身 + "worker"）
	Command []string
	// Args はポートごとに Command の後ろへ付ける引数
	Args func(port int) []string
	// Env は os.Environ() に追加する環境変数
	Env []string

	ReadyTimeout time.Duration // 起動後に接続可能になるまで待つ時間
	StopTimeout  time.Duration // SIGTERM から SIGKILL までの猶予
}

// Info はワーカープロセス一つ分の公開情報
type Info struct {
	Port     int    `json:"port"`
	PID      int    `json:"pid"`
	Status   string `json:"status"`
	Restarts int    `json:"restarts"`
	ExitErr  string `json:"exit_error,omitempty"`
}

// process は起動済みのワーカープロセス
type process struct {
	port     int
	cmd      *exec.Cmd
	done     chan struct{}
	status   Status
	exitErr  error
	restarts int
}

// Cluster は複数のワーカープロセスを管理する
type Cluster struct {
	config Config

	mu      sync.RWMutex
	workers map[int]*process
}

// New は新しいクラスタを作成する
func New(config Config) *Cluster {
	if config.ReadyTimeout <= 0 {
		config.ReadyTimeout = 5 * time.Second
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = 2 * time.Second
	}
	if config.Host == "" {
		config.Host = "127.0.0.1"
	}
	workers := make(map[int]*process, len(config.Ports))
	for _, p := range config.Ports {
		workers[p] = &process{port: p, status: StatusStopped}
	}
	return &Cluster{config: config, workers: workers}
}

func (c *Cluster) command(port int) (*exec.Cmd, error) {
	argv := append([]string(nil), c.config.Command...)
	if len(argv) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve executable: %w", err)
		}
		argv = []string{exe, "worker"}
	}
	if c.config.Args != nil {
		argv = append(argv, c.config.Args(port)...)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), c.config.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd, nil
}

// start はポートのワーカーを起動し、終了を回収するゴルーチンを付ける
func (c *Cluster) start(port int) error {
	c.mu.Lock()
	w, ok := c.workers[port]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("worker %d not found in cluster", port)
	}
	if w.status == StatusRunning {
		c.mu.Unlock()
		return fmt.Errorf("worker %d is already running", port)
	}

	cmd, err := c.command(port)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if err := cmd.Start(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to start worker %d: %w", port, err)
	}

	done := make(chan struct{})
	w.cmd = cmd
	w.done = done
	w.status = StatusRunning
	w.exitErr = nil
	c.mu.Unlock()

	go c.reap(w, cmd, done)

	logger.Debug(workerID(port), "started (pid %d)", cmd.Process.Pid)
	return nil
}

func (c *Cluster) reap(w *process, cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()

	c.mu.Lock()
	if w.cmd == cmd {
		w.status = StatusExited
		w.exitErr = err
	}
	c.mu.Unlock()
	close(done)

	if err != nil {
		logger.Debug(workerID(w.port), "exited: %v", err)
	}
}

// Launch は全ワーカーを並行に起動し、接続を受け付けるまで待つ
func (c *Cluster) Launch(ctx context.Context) error {
	ports := c.Ports()
	logger.Info("", "Launching %d worker processes", len(ports))

	g, gctx := errgroup.WithContext(ctx)
	for _, port := range ports {
		g.Go(func() error {
			if err := c.start(port); err != nil {
				return err
			}
			return c.WaitReady(gctx, port)
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("", "Failed to launch workers: %v", err)
		return err
	}

	logger.Info("", "All workers started successfully")
	return nil
}

// WaitReady はワーカーが TCP 接続を受け付けるまで待つ
// プロセスが先に終了した場合はエラーを返す
func (c *Cluster) WaitReady(ctx context.Context, port int) error {
	addr := net.JoinHostPort(c.config.Host, fmt.Sprint(port))
	deadline := time.Now().Add(c.config.ReadyTimeout)
	d := net.Dialer{Timeout: 200 * time.Millisecond}

	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if !c.Alive(port) {
			return fmt.Errorf("worker %d exited before accepting connections", port)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("worker %d not ready after %v: %w", port, c.config.ReadyTimeout, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// Restart はワーカーを同じ引数で起動し直す
// 稼働中であれば先に強制終了する
func (c *Cluster) Restart(port int) error {
	if c.Alive(port) {
		if err := c.Kill(port); err != nil {
			return err
		}
	}
	if err := c.start(port); err != nil {
		return err
	}

	c.mu.Lock()
	if w, ok := c.workers[port]; ok {
		w.restarts++
	}
	c.mu.Unlock()
	return nil
}

// Alive はワーカープロセスが生存しているかを返す
func (c *Cluster) Alive(port int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w, ok := c.workers[port]
	return ok && w.status == StatusRunning
}

// Kill はワーカープロセスを SIGKILL で終了させ、回収を待つ
func (c *Cluster) Kill(port int) error {
	c.mu.RLock()
	w, ok := c.workers[port]
	if !ok {
		c.mu.RUnlock()
		return fmt.Errorf("worker %d not found in cluster", port)
	}
	if w.status != StatusRunning {
		c.mu.RUnlock()
		return fmt.Errorf("worker %d is not running", port)
	}
	proc, done := w.cmd.Process, w.done
	c.mu.RUnlock()

	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill worker %d: %w", port, err)
	}
	<-done
	logger.Debug(workerID(port), "killed")
	return nil
}

// stop は SIGTERM を送り、猶予内に終わらなければ SIGKILL する
func (c *Cluster) stop(port int) error {
	c.mu.Lock()
	w, ok := c.workers[port]
	if !ok || w.status != StatusRunning {
		if ok && w.status == StatusExited {
			w.status = StatusStopped
		}
		c.mu.Unlock()
		return nil
	}
	proc, done := w.cmd.Process, w.done
	c.mu.Unlock()

	_ = proc.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(c.config.StopTimeout):
		if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("failed to kill worker %d: %w", port, err)
		}
		<-done
	}

	c.mu.Lock()
	w.status = StatusStopped
	c.mu.Unlock()
	return nil
}

// StopAll は全ワーカーを並行に停止する
func (c *Cluster) StopAll() error {
	ports := c.Ports()
	logger.Info("", "Stopping all workers (count: %d)", len(ports))

	var g errgroup.Group
	for _, port := range ports {
		g.Go(func() error { return c.stop(port) })
	}
	if err := g.Wait(); err != nil {
		logger.Warn("", "Failed to stop workers: %v", err)
		return err
	}

	logger.Info("", "All workers stopped")
	return nil
}

// Ports は管理しているポートを昇順で返す
func (c *Cluster) Ports() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ports := make([]int, 0, len(c.workers))
	for p := range c.workers {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

// Size はワーカー数を返す
func (c *Cluster) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.workers)
}

// RunningCount は生存中のワーカー数を返す
func (c *Cluster) RunningCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	count := 0
	for _, w := range c.workers {
		if w.status == StatusRunning {
			count++
		}
	}
	return count
}

// Workers はポート順のワーカー情報を返す
func (c *Cluster) Workers() []Info {
	ports := c.Ports()

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Info, 0, len(ports))
	for _, p := range ports {
		w := c.workers[p]
		info := Info{Port: p, Status: w.status.String(), Restarts: w.restarts}
		if w.cmd != nil && w.cmd.Process != nil {
			info.PID = w.cmd.Process.Pid
		}
		if w.exitErr != nil {
			info.ExitErr = w.exitErr.Error()
		}
		out = append(out, info)
	}
	return out
}

// PID はワーカーのプロセス ID を返す（未起動なら 0）
func (c *Cluster) PID(port int) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w, ok := c.workers[port]
	if !ok || w.cmd == nil || w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

func workerID(port int) string {
	return fmt.Sprintf("worker-%d", port)
}
