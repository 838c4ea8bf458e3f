package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"sobench/internal/balancer"
)

// DefaultDialTimeout は接続確立のタイムアウト
const DefaultDialTimeout = 2 * time.Second

// Dialer はセッションの接続先を開く
type Dialer interface {
	Dial(ctx context.Context) (*Conn, error)
}

// Conn はリクエスト行を一つ送り応答行を一つ受け取る接続
type Conn struct {
	conn   net.Conn
	r      *bufio.Reader
	target string

	mu      sync.Mutex
	closed  bool
	onClose []func(failed bool)
}

// NewConn は net.Conn をラップする
func NewConn(c net.Conn, target string) *Conn {
	return &Conn{
		conn:   c,
		r:      bufio.NewReader(c),
		target: target,
	}
}

// OnClose は Close 時に呼ばれる関数を追加する
func (c *Conn) OnClose(fn func(failed bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, fn)
}

// Target は接続先のアドレスを返す
func (c *Conn) Target() string {
	return c.target
}

// Exchange は一行送って一行受け取る
func (c *Conn) Exchange(line string, timeout time.Duration) (string, error) {
	if timeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(timeout))
	}
	if _, err := io.WriteString(c.conn, line+"\n"); err != nil {
		return "", err
	}
	resp, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(resp, "\r\n"), nil
}

// Close は接続を閉じる
// failed が true なら接続先の故障として報告される
func (c *Conn) Close(failed bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	hooks := c.onClose
	c.mu.Unlock()

	err := c.conn.Close()
	for _, fn := range hooks {
		fn(failed)
	}
	return err
}

// DirectDialer は一つのアドレスに接続する（thread/eventloop 用）
type DirectDialer struct {
	Addr    string
	Timeout time.Duration
}

// Dial は Addr に接続する
func (d DirectDialer) Dial(ctx context.Context) (*Conn, error) {
	nd := net.Dialer{Timeout: dialTimeout(d.Timeout)}
	c, err := nd.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, err
	}
	return NewConn(c, d.Addr), nil
}

// BalancedDialer はロードバランサが選んだワーカーに接続する（process 用）
type BalancedDialer struct {
	Host     string
	Balancer *balancer.Balancer
	Timeout  time.Duration
}

// Dial は次のワーカーに接続する
// 接続できなかったワーカーは故障として報告する
func (d BalancedDialer) Dial(ctx context.Context) (*Conn, error) {
	port, err := d.Balancer.NextWorkerPort()
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(d.Host, strconv.Itoa(port))
	nd := net.Dialer{Timeout: dialTimeout(d.Timeout)}
	c, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		d.Balancer.MarkFailed(port)
		d.Balancer.Release(port)
		return nil, fmt.Errorf("worker %d: %w", port, err)
	}

	conn := NewConn(c, addr)
	conn.OnClose(func(failed bool) {
		if failed {
			d.Balancer.MarkFailed(port)
		}
		d.Balancer.Release(port)
	})
	return conn, nil
}

func dialTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultDialTimeout
	}
	return d
}
