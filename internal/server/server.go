package server

import (
	"context"
	"fmt"
	"time"

	"sobench/internal/store"
)

// Architecture はサーバーの並行処理方式
type Architecture string

const (
	ArchThread    Architecture = "thread"
	ArchEventLoop Architecture = "eventloop"
	ArchProcess   Architecture = "process"
)

// ParseArchitecture は文字列から方式を解釈する
func ParseArchitecture(s string) (Architecture, error) {
	switch Architecture(s) {
	case ArchThread, "threaded", "threadpool":
		return ArchThread, nil
	case ArchEventLoop, "selector", "nio":
		return ArchEventLoop, nil
	case ArchProcess, "processes":
		return ArchProcess, nil
	default:
		return "", fmt.Errorf("unknown architecture: %s", s)
	}
}

// Server は三つのエンジンが共通して持つ操作
type Server interface {
	// Start はリスナーを確保して処理を開始する
	// 返されるエラーは起動失敗（回復不能）
	Start(ctx context.Context) error
	// Stop は新規接続の受付を止め、最終合計を報告する
	Stop() error
	// Sum はストア全体の合計を返す
	Sum() int64
	// Summary は現在の統計を返す
	Summary() Summary
	// Addr はクライアントが接続すべきアドレスを返す
	Addr() string
}

// Summary はサーバーの統計
type Summary struct {
	Architecture Architecture `json:"architecture"`
	Granularity  string       `json:"granularity"`
	StoreSize    int          `json:"store_size"`
	Sum          int64        `json:"sum"`
	Accepted     uint64       `json:"accepted"`
	Active       int64        `json:"active"`
	Served       uint64       `json:"served"`
	ProtocolErrs uint64       `json:"protocol_errors"`
}

func (s Summary) String() string {
	return fmt.Sprintf("[%s/%s] size=%d sum=%d accepted=%d active=%d served=%d protocol_errors=%d",
		s.Architecture, s.Granularity, s.StoreSize, s.Sum, s.Accepted, s.Active, s.Served, s.ProtocolErrs)
}

// Config はサーバーの設定
type Config struct {
	Architecture Architecture
	Host         string
	Port         int

	StoreSize   int
	Granularity store.Granularity
	LogEnabled  bool

	// ThreadPoolEngine
	PoolSize int

	// EventLoopEngine
	PollInterval time.Duration

	// 接続がない状態がこの時間続いたら集計を出力する（0で無効）
	IdleWindow time.Duration

	// ProcessEngine
	Workers           int
	MaxConnsPerWorker int
	SharedFile        string
	HealthInterval    time.Duration
	RestartWait       time.Duration
	WorkerCommand     []string // 空なら実行ファイル自身の "worker" サブコマンド
	WorkerEnv         []string
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Architecture:      ArchThread,
		Host:              "127.0.0.1",
		Port:              12345,
		StoreSize:         1000,
		Granularity:       store.PerCell,
		PoolSize:          1000,
		PollInterval:      100 * time.Millisecond,
		IdleWindow:        3 * time.Second,
		Workers:           4,
		MaxConnsPerWorker: 250,
		SharedFile:        "shared_memory.dat",
		HealthInterval:    5 * time.Second,
		RestartWait:       1 * time.Second,
	}
}

// Validate は設定を検証する
func (c Config) Validate() error {
	if _, err := ParseArchitecture(string(c.Architecture)); err != nil {
		return err
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535")
	}
	if c.StoreSize <= 0 {
		return fmt.Errorf("store size must be positive")
	}
	if c.Architecture == ArchProcess {
		if c.Workers <= 0 {
			return fmt.Errorf("workers must be positive")
		}
		if c.Port+c.Workers > 65535 {
			return fmt.Errorf("worker ports exceed 65535")
		}
		if c.MaxConnsPerWorker <= 0 {
			return fmt.Errorf("max connections per worker must be positive")
		}
		if c.SharedFile == "" {
			return fmt.Errorf("shared file must be set")
		}
	}
	return nil
}

// ListenAddr は host:port を返す
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WorkerPort は i 番目（0 始まり）のワーカーのポートを返す
func (c Config) WorkerPort(i int) int {
	return c.Port + i + 1
}
