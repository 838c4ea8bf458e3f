package selector

import (
	"errors"
	"time"

	"sobench/internal/server"
)

// ErrUnsupported は epoll が使えない環境で返される
var ErrUnsupported = errors.New("event loop engine requires linux")

// MaxLineLength を超えても改行が来ない入力は破棄してエラー応答を返す
const MaxLineLength = 4096

// MaxPendingWrite を超えて応答が溜まった接続は、送り切るまで読み込みを止める
const MaxPendingWrite = 64 * 1024

// DefaultPollInterval は EpollWait のタイムアウト
const DefaultPollInterval = 100 * time.Millisecond

// State は接続の状態
type State int

const (
	StateAccepted State = iota
	StateReading
	StateProcessing
	StateWritePending
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateReading:
		return "reading"
	case StateProcessing:
		return "processing"
	case StateWritePending:
		return "write-pending"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var _ server.Server = (*Engine)(nil)

// New はイベントループエンジンを作成する
// linux 以外では ErrUnsupported を返す
func New(config server.Config) (*Engine, error) {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	return newEngine(config)
}

// splitLines はバッファから完全な行を取り出し、残りを返す
func splitLines(buf []byte) (lines []string, rest []byte) {
	start := 0
	for i, b := range buf {
		if b == '\n' {
			lines = append(lines, string(buf[start:i]))
			start = i + 1
		}
	}
	return lines, buf[start:]
}
