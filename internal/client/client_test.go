package client

import (
	"bufio"
	"context"
	"errors"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sobench/internal/balancer"
	"sobench/internal/protocol"
	"sobench/internal/server"
	"sobench/internal/server/threaded"
	"sobench/internal/store"
)

func startEngine(t *testing.T, size int, g store.Granularity) *threaded.Engine {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Port = 0
	cfg.StoreSize = size
	cfg.Granularity = g
	cfg.PoolSize = 64
	cfg.IdleWindow = 0

	e := threaded.New(cfg)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

func portOf(t *testing.T, addr string) int {
	t.Helper()
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("bad address %q: %v", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		t.Fatalf("bad port %q: %v", p, err)
	}
	return port
}

// closedAddr は誰も待ち受けていないアドレスを返す
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := ln.Addr().String()
	if err := ln.Close(); err != nil {
		t.Fatalf("failed to close listener: %v", err)
	}
	return addr
}

func testConfig() Config {
	config := DefaultConfig()
	config.Clients = 10
	config.Reads = 5
	config.Writes = 5
	config.StoreSize = 10
	config.InitialBackoff = time.Millisecond
	config.Jitter = 0
	config.IOTimeout = 5 * time.Second
	return config
}

func noSleep(context.Context, time.Duration) error { return nil }

type failingDialer struct {
	attempts atomic.Int32
}

func (f *failingDialer) Dial(context.Context) (*Conn, error) {
	f.attempts.Add(1)
	return nil, errors.New("connection refused")
}

func TestPatternSequence(t *testing.T) {
	R, W := protocol.OpRead, protocol.OpWrite
	tests := []struct {
		pattern Pattern
		reads   int
		writes  int
		want    []protocol.Op
	}{
		{PatternInterleaved, 2, 3, []protocol.Op{R, W, R, W, W}},
		{PatternInterleaved, 3, 1, []protocol.Op{R, W, R, R}},
		{PatternReadsFirst, 2, 2, []protocol.Op{R, R, W, W}},
		{PatternWritesFirst, 1, 2, []protocol.Op{W, W, R}},
		{Pattern("RRW"), 3, 3, []protocol.Op{R, R, W, R, W, W}},
		{Pattern("W"), 1, 2, []protocol.Op{W, W, R}},
		{PatternInterleaved, 0, 0, []protocol.Op{}},
	}
	for _, tt := range tests {
		got := tt.pattern.Sequence(tt.reads, tt.writes)
		if !slices.Equal(got, tt.want) {
			t.Errorf("%s %d/%d: expected %v, got %v", tt.pattern, tt.reads, tt.writes, tt.want, got)
		}
	}
}

func TestParsePattern(t *testing.T) {
	p, err := ParsePattern("reads-first")
	if err != nil || p != PatternReadsFirst {
		t.Errorf("expected reads-first, got %q (%v)", p, err)
	}

	p, err = ParsePattern("rwr")
	if err != nil || p != Pattern("RWR") {
		t.Errorf("expected RWR, got %q (%v)", p, err)
	}

	if _, err := ParsePattern("random"); err == nil {
		t.Error("expected error for unknown pattern")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config must be valid: %v", err)
	}

	bad := []func(*Config){
		func(c *Config) { c.Clients = 0 },
		func(c *Config) { c.Reads = -1 },
		func(c *Config) { c.StoreSize = 0 },
		func(c *Config) { c.HotCells = c.StoreSize + 1 },
		func(c *Config) { c.MaxOpenConns = 0 },
		func(c *Config) { c.MaxRetries = -1 },
		func(c *Config) { c.Pattern = "zigzag" },
	}
	for i, mutate := range bad {
		c := DefaultConfig()
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestConnectWithRetryExhausts(t *testing.T) {
	dialer := &failingDialer{}
	config := testConfig()
	config.MaxRetries = 3
	config.InitialBackoff = 10 * time.Millisecond

	d := New(dialer, config)
	var waits []time.Duration
	d.sleep = func(_ context.Context, w time.Duration) error {
		waits = append(waits, w)
		return nil
	}

	_, err := d.connectWithRetry(context.Background(), "test")
	if !errors.Is(err, ErrExhaustedRetry) {
		t.Fatalf("expected ErrExhaustedRetry, got %v", err)
	}
	if n := dialer.attempts.Load(); n != 4 {
		t.Errorf("expected 4 attempts, got %d", n)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	if !slices.Equal(waits, want) {
		t.Errorf("expected waits %v, got %v", want, waits)
	}
	if n := d.Metrics().Retries(); n != 3 {
		t.Errorf("expected 3 retries, got %d", n)
	}
}

func TestBackoffWithJitterNonDecreasing(t *testing.T) {
	config := testConfig()
	config.MaxRetries = 5
	config.InitialBackoff = 100 * time.Millisecond
	config.Jitter = 50 * time.Millisecond

	d := New(DirectDialer{Addr: closedAddr(t)}, config)
	var waits []time.Duration
	d.sleep = func(_ context.Context, w time.Duration) error {
		waits = append(waits, w)
		return nil
	}

	_, err := d.connectWithRetry(context.Background(), "test")
	if !errors.Is(err, ErrExhaustedRetry) {
		t.Fatalf("expected ErrExhaustedRetry, got %v", err)
	}
	if len(waits) != 5 {
		t.Fatalf("expected 5 waits, got %d", len(waits))
	}
	for i := 1; i < len(waits); i++ {
		if waits[i] < waits[i-1] {
			t.Errorf("wait %d decreased: %v < %v", i, waits[i], waits[i-1])
		}
	}
	for i, w := range waits {
		base := config.InitialBackoff << i
		if w < base || w >= base+config.Jitter {
			t.Errorf("wait %d: expected [%v, %v), got %v", i, base, base+config.Jitter, w)
		}
	}
}

func TestConnectWithRetryReleasesSlots(t *testing.T) {
	config := testConfig()
	config.MaxOpenConns = 1
	config.MaxRetries = 2

	d := New(&failingDialer{}, config)
	d.sleep = noSleep

	if _, err := d.connectWithRetry(context.Background(), "test"); err == nil {
		t.Fatal("expected error from failing dialer")
	}
	if !d.sem.TryAcquire(1) {
		t.Error("failed attempts must give back their slot")
	}
}

func TestConnectWithRetryCanceled(t *testing.T) {
	d := New(&failingDialer{}, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := d.connectWithRetry(ctx, "test"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRunNoLostUpdates(t *testing.T) {
	e := startEngine(t, 10, store.PerCell)
	config := testConfig()
	config.Clients = 20
	config.Writes = 10
	config.HotCells = 1

	report, err := New(DirectDialer{Addr: e.Addr()}, config).Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if report.Completed != 20 || report.Failed != 0 {
		t.Errorf("expected 20 completed and 0 failed, got %d/%d", report.Completed, report.Failed)
	}
	if report.WritesAcked != 200 {
		t.Errorf("expected 200 acked writes, got %d", report.WritesAcked)
	}
	if report.Reads != 100 {
		t.Errorf("expected 100 reads, got %d", report.Reads)
	}
	if sum := e.Sum(); sum != 200 || report.AckedDelta != sum {
		t.Errorf("expected sum 200 matching acked delta, got sum=%d acked=%d", sum, report.AckedDelta)
	}
}

func TestRunDelta(t *testing.T) {
	e := startEngine(t, 5, store.Global)
	config := testConfig()
	config.Clients = 3
	config.Reads = 0
	config.Writes = 4
	config.StoreSize = 5
	config.Delta = 7

	report, err := New(DirectDialer{Addr: e.Addr()}, config).Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if sum := e.Sum(); sum != 3*4*7 {
		t.Errorf("expected sum %d, got %d", 3*4*7, sum)
	}
	if report.AckedDelta != 3*4*7 {
		t.Errorf("expected acked delta %d, got %d", 3*4*7, report.AckedDelta)
	}
}

func TestRunCountsProtocolErrors(t *testing.T) {
	// サーバーは 5 セル、クライアントは 10 セルを狙う
	e := startEngine(t, 5, store.PerCell)
	config := testConfig()
	config.Clients = 4
	config.Reads = 20
	config.Writes = 0
	config.StoreSize = 10

	report, err := New(DirectDialer{Addr: e.Addr()}, config).Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Completed != 4 {
		t.Errorf("protocol errors must keep the session alive, got %d completed", report.Completed)
	}
	if report.Reads != 80 {
		t.Errorf("expected 80 reads, got %d", report.Reads)
	}
	if report.ProtocolErrors != report.Metrics.FailedRequests {
		t.Errorf("expected protocol errors %d to match failed requests %d",
			report.ProtocolErrors, report.Metrics.FailedRequests)
	}
}

func TestRunAdmissionLimit(t *testing.T) {
	e := startEngine(t, 10, store.PerCell)
	var open, peak atomic.Int32
	dialer := dialerFunc(func(ctx context.Context) (*Conn, error) {
		conn, err := DirectDialer{Addr: e.Addr()}.Dial(ctx)
		if err != nil {
			return nil, err
		}
		n := open.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		conn.OnClose(func(bool) { open.Add(-1) })
		return conn, nil
	})

	config := testConfig()
	config.Clients = 30
	config.MaxOpenConns = 3

	report, err := New(dialer, config).Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Completed != 30 {
		t.Errorf("expected 30 completed, got %d", report.Completed)
	}
	if p := peak.Load(); p > 3 {
		t.Errorf("expected at most 3 open connections, peaked at %d", p)
	}
	if n := open.Load(); n != 0 {
		t.Errorf("expected all connections closed, %d still open", n)
	}
}

func TestRunUnreachableFailsSessions(t *testing.T) {
	config := testConfig()
	config.Clients = 3
	config.MaxRetries = 2

	d := New(DirectDialer{Addr: closedAddr(t)}, config)
	d.sleep = noSleep

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Failed != 3 || report.Completed != 0 {
		t.Errorf("expected 3 failed and 0 completed, got %d/%d", report.Failed, report.Completed)
	}
	if !errors.Is(report.FirstError, ErrExhaustedRetry) {
		t.Errorf("expected ErrExhaustedRetry, got %v", report.FirstError)
	}
	if report.Retries != 6 {
		t.Errorf("expected 6 retries, got %d", report.Retries)
	}
}

func TestBalancedDialerFailsOverToHealthyWorker(t *testing.T) {
	alive := startEngine(t, 10, store.PerCell)
	deadPort := portOf(t, closedAddr(t))
	alivePort := portOf(t, alive.Addr())

	b := balancer.NewWithPorts([]int{deadPort, alivePort}, 100)
	config := testConfig()
	config.Clients = 10
	config.HotCells = 1

	d := New(BalancedDialer{Host: "127.0.0.1", Balancer: b}, config)
	d.sleep = noSleep

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Completed != 10 {
		t.Errorf("expected 10 completed, got %d", report.Completed)
	}
	if sum := alive.Sum(); sum != 50 {
		t.Errorf("expected sum 50, got %d", sum)
	}
	if b.IsHealthy(deadPort) {
		t.Errorf("expected port %d to be marked failed", deadPort)
	}
	if !b.IsHealthy(alivePort) {
		t.Errorf("expected port %d to stay healthy", alivePort)
	}
	for _, w := range b.Snapshot() {
		if w.Connections != 0 {
			t.Errorf("port %d: expected 0 connections, got %d", w.Port, w.Connections)
		}
	}
}

func TestBalancedDialerNoHealthyWorker(t *testing.T) {
	b := balancer.NewWithPorts([]int{portOf(t, closedAddr(t))}, 10)
	config := testConfig()
	config.MaxRetries = 2

	d := New(BalancedDialer{Host: "127.0.0.1", Balancer: b}, config)
	d.sleep = noSleep

	_, err := d.connectWithRetry(context.Background(), "test")
	if !errors.Is(err, ErrExhaustedRetry) {
		t.Fatalf("expected ErrExhaustedRetry, got %v", err)
	}
	if !errors.Is(err, balancer.ErrNoHealthyWorker) {
		t.Errorf("expected ErrNoHealthyWorker in chain, got %v", err)
	}
}

// breakingDialer は最初の接続だけ一往復で切断する
type breakingDialer struct {
	backend store.Backend
	dials   atomic.Int32
	wg      sync.WaitGroup
}

func (b *breakingDialer) Dial(context.Context) (*Conn, error) {
	clientSide, serverSide := net.Pipe()
	n := b.dials.Add(1)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if n == 1 {
			r := bufio.NewReader(serverSide)
			line, err := r.ReadString('\n')
			if err == nil {
				resp, _ := protocol.Handle(line, b.backend)
				_, _ = serverSide.Write([]byte(resp + "\n"))
			}
			_ = serverSide.Close()
			return
		}
		server.ServeConn(serverSide, b.backend, server.NewConnTracker(), "pipe")
		_ = serverSide.Close()
	}()
	return NewConn(clientSide, "pipe-"+strconv.Itoa(int(n))), nil
}

func TestSessionReconnectsAndReissues(t *testing.T) {
	backend := store.New(4, store.PerCell)
	dialer := &breakingDialer{backend: backend}

	config := testConfig()
	config.Clients = 1
	config.Reads = 0
	config.Writes = 3
	config.StoreSize = 4

	d := New(dialer, config)
	d.sleep = noSleep

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	dialer.wg.Wait()

	if report.Completed != 1 {
		t.Errorf("expected 1 completed, got %d", report.Completed)
	}
	if report.WritesAcked != 3 {
		t.Errorf("expected 3 acked writes, got %d", report.WritesAcked)
	}
	if report.Failovers != 1 {
		t.Errorf("expected 1 failover, got %d", report.Failovers)
	}
	if n := dialer.dials.Load(); n != 2 {
		t.Errorf("expected 2 dials, got %d", n)
	}
	if sum := backend.Sum(); sum != 3 {
		t.Errorf("expected sum 3, got %d", sum)
	}
}

type dialerFunc func(ctx context.Context) (*Conn, error)

func (f dialerFunc) Dial(ctx context.Context) (*Conn, error) { return f(ctx) }
