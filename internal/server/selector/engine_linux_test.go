//go:build linux

package selector

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"sobench/internal/server"
	"sobench/internal/store"
)

func startEngine(t *testing.T, size int, g store.Granularity) *Engine {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Architecture = server.ArchEventLoop
	cfg.Port = 0
	cfg.StoreSize = size
	cfg.Granularity = g
	cfg.IdleWindow = 0
	cfg.PollInterval = 10 * time.Millisecond

	e, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

func dial(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, bufio.NewReader(conn)
}

func roundTrip(t *testing.T, conn net.Conn, r *bufio.Reader, line string) string {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	_, err := fmt.Fprintf(conn, "%s\n", line)
	require.NoError(t, err)
	resp, err := r.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSpace(resp)
}

func TestEngineWriteThenRead(t *testing.T) {
	e := startEngine(t, 10, store.PerCell)
	conn, r := dial(t, e.Addr())

	assert.Equal(t, "OK", roundTrip(t, conn, r, "WRITE 3"))
	assert.Equal(t, "OK", roundTrip(t, conn, r, "WRITE 3"))
	assert.Equal(t, "VALUE 2", roundTrip(t, conn, r, "READ 3"))
	assert.Equal(t, int64(2), e.Sum())
}

func TestEngineErrorsKeepConnection(t *testing.T) {
	e := startEngine(t, 5, store.Global)
	conn, r := dial(t, e.Addr())

	assert.Equal(t, "ERROR invalid position 7", roundTrip(t, conn, r, "READ 7"))
	assert.True(t, strings.HasPrefix(roundTrip(t, conn, r, "FROB 1"), "ERROR"))
	assert.Equal(t, "VALUE 0", roundTrip(t, conn, r, "READ 0"))
}

func TestEngineMultipleLinesInOneRead(t *testing.T) {
	e := startEngine(t, 4, store.PerCell)
	conn, r := dial(t, e.Addr())

	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Write([]byte("WRITE 1\nWRITE 1 4\nREAD 1\n"))
	require.NoError(t, err)

	var got []string
	for range 3 {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		got = append(got, strings.TrimSpace(line))
	}
	assert.Equal(t, []string{"OK", "OK", "VALUE 5"}, got)
}

func TestEngineSplitLineAcrossWrites(t *testing.T) {
	e := startEngine(t, 4, store.PerCell)
	conn, r := dial(t, e.Addr())

	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Write([]byte("WRI"))
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	_, err = conn.Write([]byte("TE 2\n"))
	require.NoError(t, err)

	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "OK", strings.TrimSpace(line))
}

func TestEngineLineTooLong(t *testing.T) {
	e := startEngine(t, 4, store.PerCell)
	conn, r := dial(t, e.Addr())

	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Write([]byte(strings.Repeat("x", MaxLineLength+10)))
	require.NoError(t, err)

	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "ERROR"))

	assert.Equal(t, "VALUE 0", roundTrip(t, conn, r, "READ 0"))
}

func TestEngineManyClients(t *testing.T) {
	const clients = 30
	const writes = 40
	e := startEngine(t, 5, store.PerCell)

	var wg sync.WaitGroup
	for i := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, r := dial(t, e.Addr())
			for j := range writes {
				if resp := roundTrip(t, conn, r, fmt.Sprintf("WRITE %d", (i+j)%5)); resp != "OK" {
					t.Errorf("unexpected response %q", resp)
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(clients*writes), e.Sum())
}

func TestEngineConnectionStates(t *testing.T) {
	e := startEngine(t, 4, store.None)
	conn, r := dial(t, e.Addr())
	roundTrip(t, conn, r, "WRITE 0")

	assert.Eventually(t, func() bool {
		return e.Connections()[StateReading] == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		return e.Connections()[StateClosed] == 1 && e.Summary().Active == 0
	}, time.Second, 10*time.Millisecond)
}

func TestEngineStop(t *testing.T) {
	cfg := server.DefaultConfig()
	cfg.Port = 0
	cfg.IdleWindow = 0
	cfg.PollInterval = 10 * time.Millisecond
	e, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	conn, r := dial(t, e.Addr())
	roundTrip(t, conn, r, "WRITE 1")

	require.NoError(t, e.Stop())
	assert.Equal(t, int64(1), e.Sum())
	assert.Equal(t, int64(0), e.Summary().Active)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = r.ReadString('\n')
	assert.Error(t, err)

	assert.Error(t, e.Stop())
}

// newPairConn はループを起動せず、socketpair の片側を接続として登録する
func newPairConn(t *testing.T) (*Engine, *conn, int) {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.StoreSize = 4
	cfg.IdleWindow = 0
	e, err := newEngine(cfg)
	require.NoError(t, err)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	e.epfd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[1])
		_ = unix.Close(e.epfd)
	})
	require.NoError(t, unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, fds[0],
		&unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fds[0])}))

	c := &conn{fd: fds[0], id: "conn-pair", state: StateAccepted, events: unix.EPOLLIN}
	e.states[StateAccepted].Add(1)
	e.conns[c.fd] = c
	e.tracker.Opened()
	e.setState(c, StateReading)
	t.Cleanup(func() { e.closeConn(c) })
	return e, c, fds[1]
}

func readyEvents(t *testing.T, e *Engine) []unix.EpollEvent {
	t.Helper()
	evs := make([]unix.EpollEvent, 8)
	for {
		n, err := unix.EpollWait(e.epfd, evs, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		require.NoError(t, err)
		return evs[:n]
	}
}

func TestFlushDropsWriteInterestOnceDrained(t *testing.T) {
	e, c, peer := newPairConn(t)

	// 前の応答が送り切れずに残っている
	c.wbuf = append(c.wbuf, "VALUE 0\n"...)
	require.True(t, e.arm(c))
	require.Equal(t, StateWritePending, c.state)
	require.Equal(t, uint32(unix.EPOLLIN|unix.EPOLLOUT), c.events)

	_, err := unix.Write(peer, []byte("READ 1\n"))
	require.NoError(t, err)
	require.True(t, e.handleRead(c))

	assert.Equal(t, StateReading, c.state)
	assert.Equal(t, uint32(unix.EPOLLIN), c.events)
	assert.Empty(t, c.wbuf)

	buf := make([]byte, 64)
	n, err := unix.Read(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, "VALUE 0\nVALUE 0\n", string(buf[:n]))

	// 書くものがない接続は何度待っても通知されない
	for range 100 {
		require.Empty(t, readyEvents(t, e))
	}
}

func TestHandleReadPausesOverPendingLimit(t *testing.T) {
	e, c, peer := newPairConn(t)
	require.NoError(t, unix.SetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_SNDBUF, 4096))

	const requests = 12000
	req := []byte(strings.Repeat("READ 0\n", requests))
	n, err := unix.Write(peer, req)
	require.NoError(t, err)
	require.Equal(t, len(req), n)

	require.True(t, e.handleRead(c))
	assert.Equal(t, StateWritePending, c.state)
	assert.Equal(t, uint32(unix.EPOLLOUT), c.events, "reads must pause while responses pile up")
	assert.Greater(t, len(c.wbuf), MaxPendingWrite)
	assert.Less(t, len(c.wbuf), MaxPendingWrite+2*readChunk)
	assert.Less(t, e.Summary().Served, uint64(requests))

	// 相手が読むにつれて送信と読み込みが交互に再開する
	var got bytes.Buffer
	buf := make([]byte, 32*1024)
	deadline := time.Now().Add(5 * time.Second)
	for got.Len() < requests*len("VALUE 0\n") && time.Now().Before(deadline) {
		n, err := unix.Read(peer, buf)
		if err == nil {
			got.Write(buf[:n])
		} else {
			require.ErrorIs(t, err, unix.EAGAIN)
		}
		for _, ev := range readyEvents(t, e) {
			e.dispatch(ev)
		}
	}

	assert.Equal(t, strings.Repeat("VALUE 0\n", requests), got.String())
	assert.Equal(t, uint64(requests), e.Summary().Served)
	assert.Equal(t, StateReading, c.state)
	assert.Equal(t, uint32(unix.EPOLLIN), c.events)
	assert.Empty(t, c.rbuf)
	assert.Empty(t, readyEvents(t, e))
}

func TestEngineSlowReaderReturnsToReading(t *testing.T) {
	cfg := server.DefaultConfig()
	cfg.Port = 0
	cfg.StoreSize = 4
	cfg.IdleWindow = 0
	cfg.PollInterval = 10 * time.Millisecond
	e, err := New(cfg)
	require.NoError(t, err)
	e.sndbuf = 4096
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop() })

	d := net.Dialer{
		Timeout: time.Second,
		Control: func(_, _ string, rc syscall.RawConn) error {
			var serr error
			err := rc.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, 4096)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	conn, err := d.Dial("tcp", e.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	const requests = 20000
	written := make(chan error, 1)
	go func() {
		_, err := conn.Write([]byte(strings.Repeat("WRITE 1\n", requests)))
		written <- err
	}()

	// 読まずにいると応答が溜まる
	require.Eventually(t, func() bool {
		return e.Connections()[StateWritePending] == 1
	}, 2*time.Second, 5*time.Millisecond)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)
	for i := range requests {
		line, err := r.ReadString('\n')
		require.NoError(t, err, "response %d", i)
		require.Equal(t, "OK\n", line)
	}
	require.NoError(t, <-written)

	require.Eventually(t, func() bool {
		states := e.Connections()
		return states[StateReading] == 1 && states[StateWritePending] == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(requests), e.Sum())

	// 静かな接続ではループが起こされない
	before := e.wakeups.Load()
	time.Sleep(200 * time.Millisecond)
	assert.LessOrEqual(t, e.wakeups.Load()-before, int64(2))
}
