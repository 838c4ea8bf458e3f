package threaded

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sobench/internal/server"
	"sobench/internal/store"
)

func startEngine(t *testing.T, size int, g store.Granularity) *Engine {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Port = 0
	cfg.StoreSize = size
	cfg.Granularity = g
	cfg.PoolSize = 16
	cfg.IdleWindow = 0

	e := New(cfg)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

type lineConn struct {
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr string) *lineConn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &lineConn{conn: conn, r: bufio.NewReader(conn)}
}

func (c *lineConn) do(t *testing.T, line string) string {
	t.Helper()
	_ = c.conn.SetDeadline(time.Now().Add(2 * time.Second))
	_, err := fmt.Fprintf(c.conn, "%s\n", line)
	require.NoError(t, err)
	resp, err := c.r.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSpace(resp)
}

func TestEngineWriteThenRead(t *testing.T) {
	e := startEngine(t, 10, store.PerCell)
	c := dial(t, e.Addr())

	assert.Equal(t, "OK", c.do(t, "WRITE 3"))
	assert.Equal(t, "OK", c.do(t, "WRITE 3"))
	assert.Equal(t, "VALUE 2", c.do(t, "READ 3"))
	assert.Equal(t, int64(2), e.Sum())
}

func TestEngineInvalidPositionKeepsConnection(t *testing.T) {
	e := startEngine(t, 5, store.Global)
	c := dial(t, e.Addr())

	assert.Equal(t, "ERROR invalid position 7", c.do(t, "READ 7"))
	assert.Equal(t, "VALUE 0", c.do(t, "READ 0"))
	assert.True(t, strings.HasPrefix(c.do(t, "HELLO"), "ERROR"))
	assert.Equal(t, "OK", c.do(t, "WRITE 4 10"))
	assert.Equal(t, int64(10), e.Sum())
}

func TestEnginePipelinedRequests(t *testing.T) {
	e := startEngine(t, 4, store.PerCell)
	c := dial(t, e.Addr())

	_ = c.conn.SetDeadline(time.Now().Add(2 * time.Second))
	_, err := c.conn.Write([]byte("WRITE 0\nWRITE 1\nREAD 0\nREAD 1\n"))
	require.NoError(t, err)

	var got []string
	for range 4 {
		line, err := c.r.ReadString('\n')
		require.NoError(t, err)
		got = append(got, strings.TrimSpace(line))
	}
	assert.Equal(t, []string{"OK", "OK", "VALUE 1", "VALUE 1"}, got)
}

func TestEngineNoLostUpdatesWithLocking(t *testing.T) {
	const clients = 20
	const writes = 50

	for _, g := range []store.Granularity{store.PerCell, store.Global} {
		t.Run(g.String(), func(t *testing.T) {
			e := startEngine(t, 3, g)

			var wg sync.WaitGroup
			for i := range clients {
				wg.Add(1)
				go func() {
					defer wg.Done()
					c := dial(t, e.Addr())
					for j := range writes {
						if resp := c.do(t, fmt.Sprintf("WRITE %d", (i+j)%3)); resp != "OK" {
							t.Errorf("unexpected response %q", resp)
							return
						}
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int64(clients*writes), e.Sum())
		})
	}
}

func TestEngineSummary(t *testing.T) {
	e := startEngine(t, 4, store.PerCell)
	c := dial(t, e.Addr())
	c.do(t, "WRITE 1")
	c.do(t, "READ 9")

	s := e.Summary()
	assert.Equal(t, server.ArchThread, s.Architecture)
	assert.Equal(t, "cell", s.Granularity)
	assert.Equal(t, uint64(1), s.Accepted)
	assert.Equal(t, uint64(2), s.Served)
	assert.Equal(t, uint64(1), s.ProtocolErrs)
	assert.Equal(t, int64(1), s.Sum)
}

func TestEngineStopDrainsInFlightConnections(t *testing.T) {
	cfg := server.DefaultConfig()
	cfg.Port = 0
	cfg.PoolSize = 2
	cfg.IdleWindow = 0
	e := New(cfg)
	require.NoError(t, e.Start(context.Background()))
	addr := e.Addr()

	c := dial(t, addr)
	assert.Equal(t, "OK", c.do(t, "WRITE 0"))

	stopped := make(chan error, 1)
	go func() { stopped <- e.Stop() }()

	// 新しい接続は受け付けない
	assert.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return true
		}
		_ = conn.Close()
		return false
	}, 2*time.Second, 20*time.Millisecond)

	// 停止中も既存の接続は応答を返し続ける
	assert.Equal(t, "VALUE 1", c.do(t, "READ 0"))
	assert.Equal(t, "OK", c.do(t, "WRITE 0"))

	select {
	case err := <-stopped:
		t.Fatalf("Stop returned before the connection closed: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, c.conn.Close())
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the connection closed")
	}

	s := e.Summary()
	assert.Equal(t, int64(2), s.Sum)
	assert.Equal(t, int64(0), s.Active)
	assert.Equal(t, uint64(3), s.Served)
	assert.Error(t, e.Stop())
}

func TestEngineStopClosesQueuedConnections(t *testing.T) {
	cfg := server.DefaultConfig()
	cfg.Port = 0
	cfg.PoolSize = 1
	cfg.IdleWindow = 0
	e := New(cfg)
	require.NoError(t, e.Start(context.Background()))

	busy := dial(t, e.Addr())
	assert.Equal(t, "OK", busy.do(t, "WRITE 0"))

	// ワーカーが一つしかないので、この接続はキューで待つ
	queued := dial(t, e.Addr())
	assert.Eventually(t, func() bool {
		return e.Summary().Accepted == 2
	}, time.Second, 10*time.Millisecond)

	addr := e.Addr()
	stopped := make(chan error, 1)
	go func() { stopped <- e.Stop() }()
	assert.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return true
		}
		_ = conn.Close()
		return false
	}, 2*time.Second, 20*time.Millisecond)

	// ワーカーが空いても、待っていた接続は処理されずに閉じられる
	require.NoError(t, busy.conn.Close())
	_ = queued.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := queued.r.ReadString('\n')
	assert.ErrorIs(t, err, io.EOF)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the connection closed")
	}
	assert.Equal(t, int64(0), e.Summary().Active)
	assert.Equal(t, int64(1), e.Sum())
}

func TestEngineStartTwice(t *testing.T) {
	e := startEngine(t, 4, store.None)
	assert.Error(t, e.Start(context.Background()))
}
