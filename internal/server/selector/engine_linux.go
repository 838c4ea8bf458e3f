//go:build linux

package selector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"sobench/internal/logger"
	"sobench/internal/protocol"
	"sobench/internal/server"
	"sobench/internal/store"
)

const readChunk = 4096

// conn はループが所有する接続ごとの状態
type conn struct {
	fd     int
	id     string
	state  State
	events uint32 // epoll に登録中の監視イベント
	rbuf   []byte
	wbuf   []byte
}

// Engine は一つのゴルーチンが epoll で全接続を多重化するサーバー
type Engine struct {
	config  server.Config
	store   *store.Store
	tracker *server.ConnTracker
	monitor *server.Monitor

	mu   sync.Mutex
	epfd int
	lfd  int
	addr string

	// 以下はループのゴルーチンだけが触る
	conns  map[int]*conn
	events [256]unix.EpollEvent
	connID uint64
	sndbuf int // 受け付けた接続の SO_SNDBUF、0 ならカーネル既定

	states   [StateClosed + 1]atomic.Int64
	wakeups  atomic.Int64
	running  atomic.Bool
	stopping atomic.Bool
	done     chan struct{}
	cancel   context.CancelFunc
}

func newEngine(config server.Config) (*Engine, error) {
	e := &Engine{
		config:  config,
		store:   store.New(config.StoreSize, config.Granularity),
		tracker: server.NewConnTracker(),
		conns:   make(map[int]*conn),
		epfd:    -1,
		lfd:     -1,
	}
	e.monitor = server.NewMonitor(e.tracker, config.IdleWindow, func() {
		logger.Info("server", "summary: %s", e.Summary())
	})
	return e, nil
}

// Start はノンブロッキングの待受ソケットを作ってループを起動する
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return fmt.Errorf("server is already running")
	}

	lfd, port, err := listen(e.config.Host, e.config.Port)
	if err != nil {
		return err
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		_ = unix.Close(lfd)
		return fmt.Errorf("epoll_create1: %w", err)
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, lfd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(lfd)}); err != nil {
		_ = unix.Close(lfd)
		_ = unix.Close(epfd)
		return fmt.Errorf("epoll_ctl listener: %w", err)
	}

	e.lfd, e.epfd = lfd, epfd
	e.addr = fmt.Sprintf("%s:%d", hostOrAny(e.config.Host), port)
	e.done = make(chan struct{})
	e.stopping.Store(false)
	e.running.Store(true)

	var mctx context.Context
	mctx, e.cancel = context.WithCancel(ctx)
	e.monitor.Start(mctx)

	go e.loop()
	go func() {
		select {
		case <-mctx.Done():
			e.stopping.Store(true)
		case <-e.done:
		}
	}()

	logger.Info("server", "event loop server listening on %s (size=%d, locking=%s)",
		e.addr, e.config.StoreSize, e.config.Granularity)
	return nil
}

func hostOrAny(host string) string {
	if host == "" {
		return "0.0.0.0"
	}
	return host
}

// listen は IPv4 の待受ソケットを作り、実際のポートを返す
func listen(host string, port int) (int, int, error) {
	ip := net.IPv4zero
	switch host {
	case "", "0.0.0.0":
	case "localhost":
		ip = net.IPv4(127, 0, 0, 1)
	default:
		ip = net.ParseIP(host)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return -1, 0, fmt.Errorf("event loop engine needs an IPv4 host, got %q", host)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, 0, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, 0, fmt.Errorf("setsockopt: %w", err)
	}
	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip4)
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, 0, fmt.Errorf("failed to listen on %s:%d: %w", hostOrAny(host), port, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return -1, 0, fmt.Errorf("listen: %w", err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return -1, 0, fmt.Errorf("getsockname: %w", err)
	}
	if in4, ok := bound.(*unix.SockaddrInet4); ok {
		port = in4.Port
	}
	return fd, port, nil
}

func (e *Engine) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(e.done)
	defer e.closeAll()

	timeout := int(e.config.PollInterval / time.Millisecond)
	if timeout <= 0 {
		timeout = 1
	}

	for !e.stopping.Load() {
		n, err := unix.EpollWait(e.epfd, e.events[:], timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			logger.Error("server", "epoll_wait failed: %v", err)
			return
		}

		if n > 0 {
			e.wakeups.Add(1)
		}
		for i := 0; i < n; i++ {
			e.dispatch(e.events[i])
		}
	}
}

func (e *Engine) dispatch(ev unix.EpollEvent) {
	fd := int(ev.Fd)
	if fd == e.lfd {
		e.acceptAll()
		return
	}

	c, ok := e.conns[fd]
	if !ok {
		return
	}
	if ev.Events&unix.EPOLLIN != 0 {
		if !e.handleRead(c) {
			return
		}
	} else if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		e.closeConn(c)
		return
	}
	if ev.Events&unix.EPOLLOUT != 0 && len(c.wbuf) > 0 {
		e.flush(c)
	}
}

func (e *Engine) acceptAll() {
	for {
		nfd, _, err := unix.Accept4(e.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				return
			}
			logger.Warn("server", "accept failed: %v", err)
			return
		}

		e.connID++
		c := &conn{fd: nfd, id: fmt.Sprintf("conn-%d", e.connID), state: StateAccepted, events: unix.EPOLLIN}
		e.states[StateAccepted].Add(1)

		if e.sndbuf > 0 {
			if err := unix.SetsockoptInt(nfd, unix.SOL_SOCKET, unix.SO_SNDBUF, e.sndbuf); err != nil {
				logger.Debug(c.id, "setsockopt SO_SNDBUF failed: %v", err)
			}
		}

		if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, nfd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(nfd)}); err != nil {
			logger.Warn(c.id, "epoll_ctl add failed: %v", err)
			e.states[StateAccepted].Add(-1)
			_ = unix.Close(nfd)
			continue
		}
		e.conns[nfd] = c
		e.tracker.Opened()
		e.setState(c, StateReading)
	}
}

// handleRead は読めるだけ読み、完全な行を処理して応答を書き出す
// 未送信の応答が MaxPendingWrite を超えたら読み込みを打ち切る
// 接続を閉じた場合は false を返す
func (e *Engine) handleRead(c *conn) bool {
	var chunk [readChunk]byte
	eof := false

	for {
		if len(c.wbuf) > MaxPendingWrite {
			if !e.send(c) {
				return false
			}
			if len(c.wbuf) > MaxPendingWrite {
				break
			}
		}

		n, err := unix.Read(c.fd, chunk[:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				break
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			logger.Debug(c.id, "read failed: %v", err)
			e.closeConn(c)
			return false
		}
		if n == 0 {
			eof = true
			break
		}
		c.rbuf = append(c.rbuf, chunk[:n]...)
		e.process(c)
	}

	if eof {
		// 書き出せるだけ書いてから閉じる
		e.flush(c)
		e.closeConn(c)
		return false
	}
	return e.flush(c)
}

func (e *Engine) process(c *conn) {
	lines, rest := splitLines(c.rbuf)
	if len(lines) == 0 && len(rest) <= MaxLineLength {
		return
	}
	e.setState(c, StateProcessing)
	e.tracker.Touch()

	for _, line := range lines {
		resp, err := protocol.Handle(line, e.store)
		e.tracker.Served(err != nil)
		if err != nil {
			logger.Debug(c.id, "%q: %v", line, err)
		}
		c.wbuf = append(c.wbuf, resp...)
		c.wbuf = append(c.wbuf, '\n')
	}

	if len(rest) > MaxLineLength {
		e.tracker.Served(true)
		c.wbuf = append(c.wbuf, fmt.Sprintf("%s %v: line too long\n", protocol.RespError, protocol.ErrMalformed)...)
		rest = rest[:0]
	}
	c.rbuf = append(c.rbuf[:0], rest...)
}

// flush は書き込みバッファを送れるだけ送り、残りに応じて監視イベントを切り替える
// 接続を閉じた場合は false を返す
func (e *Engine) flush(c *conn) bool {
	return e.send(c) && e.arm(c)
}

func (e *Engine) send(c *conn) bool {
	for len(c.wbuf) > 0 {
		n, err := unix.SendmsgN(c.fd, c.wbuf, nil, nil, unix.MSG_NOSIGNAL)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				break
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			logger.Debug(c.id, "write failed: %v", err)
			e.closeConn(c)
			return false
		}
		c.wbuf = append(c.wbuf[:0], c.wbuf[n:]...)
	}
	return true
}

// arm は未送信の量から監視イベントと状態を決め直す
// 残りがあれば EPOLLOUT を立て、MaxPendingWrite を超えている間は EPOLLIN を外す
func (e *Engine) arm(c *conn) bool {
	var events uint32 = unix.EPOLLIN
	switch {
	case len(c.wbuf) > MaxPendingWrite:
		events = unix.EPOLLOUT
	case len(c.wbuf) > 0:
		events |= unix.EPOLLOUT
	}

	if events != c.events {
		if err := e.modify(c, events); err != nil {
			e.closeConn(c)
			return false
		}
		c.events = events
	}

	if len(c.wbuf) > 0 {
		e.setState(c, StateWritePending)
	} else {
		e.setState(c, StateReading)
	}
	return true
}

func (e *Engine) modify(c *conn, events uint32) error {
	err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_MOD, c.fd, &unix.EpollEvent{Events: events, Fd: int32(c.fd)})
	if err != nil {
		logger.Warn(c.id, "epoll_ctl mod failed: %v", err)
	}
	return err
}

func (e *Engine) setState(c *conn, s State) {
	if c.state == s {
		return
	}
	e.states[c.state].Add(-1)
	e.states[s].Add(1)
	c.state = s
}

func (e *Engine) closeConn(c *conn) {
	if c.state == StateClosed {
		return
	}
	_ = unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, c.fd, nil)
	_ = unix.Close(c.fd)
	delete(e.conns, c.fd)
	e.setState(c, StateClosed)
	e.tracker.Closed()
}

func (e *Engine) closeAll() {
	for _, c := range e.conns {
		e.closeConn(c)
	}
	_ = unix.Close(e.lfd)
	_ = unix.Close(e.epfd)
}

// Stop はループを止め、全接続を閉じて最終合計を出力する
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running.Load() {
		return fmt.Errorf("server is not running")
	}
	e.running.Store(false)

	e.stopping.Store(true)
	<-e.done
	e.cancel()
	e.monitor.Stop()

	logger.Debug("server", "event loop woke %d times", e.wakeups.Load())
	logger.Info("server", "stopped: %s", e.Summary())
	return nil
}

// Connections は状態ごとの接続数を返す
// StateClosed はこれまでに閉じた累計
func (e *Engine) Connections() map[State]int64 {
	out := make(map[State]int64, len(e.states))
	for s := range e.states {
		out[State(s)] = e.states[s].Load()
	}
	return out
}

// Sum はストア全体の合計を返す
func (e *Engine) Sum() int64 {
	return e.store.Sum()
}

// Summary は現在の統計を返す
func (e *Engine) Summary() server.Summary {
	s := server.Summary{
		Architecture: server.ArchEventLoop,
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
	if e.addr == "" {
		return e.config.ListenAddr()
	}
	return e.addr
}
