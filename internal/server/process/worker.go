package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/spf13/pflag"

	"sobench/internal/logger"
	"sobench/internal/server"
	"sobench/internal/shm"
)

// WorkerConfig はワーカープロセス一つ分の起動引数
type WorkerConfig struct {
	Host       string
	Port       int
	Size       int
	SharedFile string
	LockMode   bool
	LogEnabled bool
}

// Args はコマンドライン引数の形に変換する
func (c WorkerConfig) Args() []string {
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return []string{
		"--host", host,
		"--port", strconv.Itoa(c.Port),
		"--size", strconv.Itoa(c.Size),
		"--shared-file", c.SharedFile,
		"--lock=" + strconv.FormatBool(c.LockMode),
		"--log=" + strconv.FormatBool(c.LogEnabled),
	}
}

// ParseWorkerArgs は Args の出力を解析する
func ParseWorkerArgs(args []string) (WorkerConfig, error) {
	var c WorkerConfig
	fs := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&c.Host, "host", "127.0.0.1", "listen host")
	fs.IntVar(&c.Port, "port", 0, "listen port")
	fs.IntVar(&c.Size, "size", 0, "number of cells in the shared region")
	fs.StringVar(&c.SharedFile, "shared-file", "", "backing file of the shared region")
	fs.BoolVar(&c.LockMode, "lock", false, "lock each cell while updating it")
	fs.BoolVar(&c.LogEnabled, "log", false, "log every request")

	if err := fs.Parse(args); err != nil {
		return WorkerConfig{}, fmt.Errorf("invalid worker arguments: %w", err)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return WorkerConfig{}, fmt.Errorf("invalid worker port: %d", c.Port)
	}
	if c.Size <= 0 {
		return WorkerConfig{}, fmt.Errorf("invalid region size: %d", c.Size)
	}
	if c.SharedFile == "" {
		return WorkerConfig{}, fmt.Errorf("shared file must be set")
	}
	return c, nil
}

// RunWorker は共有領域を開き、ポートで接続を受けてプロトコルを処理する
// ctx がキャンセルされるまで戻らない
func RunWorker(ctx context.Context, cfg WorkerConfig) error {
	id := fmt.Sprintf("worker-%d", cfg.Port)

	region, err := shm.Open(cfg.SharedFile, cfg.Size, cfg.LockMode)
	if err != nil {
		return err
	}
	defer region.Close()

	lc := net.ListenConfig{}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	logger.Info(id, "Worker process started on %s (size=%d, lock=%v)", addr, cfg.Size, cfg.LockMode)

	tracker := server.NewConnTracker()
	conns := server.NewConnSet()
	var wg sync.WaitGroup
	var connID atomic.Uint64

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				break
			}
			logger.Warn(id, "accept failed: %v", err)
			continue
		}

		tracker.Opened()
		conns.Add(conn)
		cid := fmt.Sprintf("%s/conn-%d", id, connID.Add(1))

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				_ = conn.Close()
				conns.Remove(conn)
				tracker.Closed()
			}()
			server.ServeConn(conn, region, tracker, cid)
		}()
	}

	conns.CloseAll()
	wg.Wait()

	var s server.Summary
	tracker.Fill(&s)
	logger.Info(id, "Worker process stopped (connections=%d, requests=%d)", s.Accepted, s.Served)
	return nil
}
