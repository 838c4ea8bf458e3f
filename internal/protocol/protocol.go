package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"sobench/internal/store"
)

// ErrMalformed は解釈できないコマンド行を示す
var ErrMalformed = errors.New("malformed command")

// Op はコマンドの種類
type Op int

const (
	OpRead Op = iota
	OpWrite
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "READ"
	case OpWrite:
		return "WRITE"
	default:
		return "UNKNOWN"
	}
}

// DefaultDelta は WRITE で値が省略されたときの加算値
const DefaultDelta int64 = 1

// 応答の定数
const (
	RespOK    = "OK"
	RespValue = "VALUE"
	RespError = "ERROR"
)

// Command は解析済みのリクエスト
type Command struct {
	Op    Op
	Pos   int
	Delta int64
}

// String はワイヤ形式のリクエスト行を返す（改行なし）
func (c Command) String() string {
	if c.Op == OpWrite {
		if c.Delta == DefaultDelta {
			return fmt.Sprintf("WRITE %d", c.Pos)
		}
		return fmt.Sprintf("WRITE %d %d", c.Pos, c.Delta)
	}
	return fmt.Sprintf("READ %d", c.Pos)
}

// Read は READ コマンドを作成する
func Read(pos int) Command {
	return Command{Op: OpRead, Pos: pos}
}

// Write は WRITE コマンドを作成する
func Write(pos int, delta int64) Command {
	return Command{Op: OpWrite, Pos: pos, Delta: delta}
}

// Parse はリクエスト行を解析する
func Parse(line string) (Command, error) {
	fields := strings.Fields(strings.TrimRight(line, "\r\n"))
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("%w: empty line", ErrMalformed)
	}

	var cmd Command
	switch strings.ToUpper(fields[0]) {
	case "READ":
		if len(fields) != 2 {
			return Command{}, fmt.Errorf("%w: READ takes exactly one position", ErrMalformed)
		}
		cmd.Op = OpRead
	case "WRITE":
		if len(fields) < 2 || len(fields) > 3 {
			return Command{}, fmt.Errorf("%w: WRITE takes a position and an optional delta", ErrMalformed)
		}
		cmd.Op = OpWrite
		cmd.Delta = DefaultDelta
		if len(fields) == 3 {
			delta, err := strconv.ParseInt(fields[2], 10, 64)
			if err != nil {
				return Command{}, fmt.Errorf("%w: invalid delta %q", ErrMalformed, fields[2])
			}
			cmd.Delta = delta
		}
	default:
		return Command{}, fmt.Errorf("%w: unknown command %q", ErrMalformed, fields[0])
	}

	pos, err := strconv.Atoi(fields[1])
	if err != nil {
		return Command{}, fmt.Errorf("%w: invalid position %q", ErrMalformed, fields[1])
	}
	cmd.Pos = pos

	return cmd, nil
}

// Execute はコマンドをバックエンドに対して実行し、応答行を返す
// 範囲外の位置は ERROR 行になり、接続は維持される
func Execute(cmd Command, b store.Backend) (string, error) {
	switch cmd.Op {
	case OpRead:
		v, err := b.Read(cmd.Pos)
		if err != nil {
			return errorResponse(cmd, err), err
		}
		return fmt.Sprintf("%s %d", RespValue, v), nil
	case OpWrite:
		if err := b.Accumulate(cmd.Pos, cmd.Delta); err != nil {
			return errorResponse(cmd, err), err
		}
		return RespOK, nil
	default:
		err := fmt.Errorf("%w: unknown op %d", ErrMalformed, cmd.Op)
		return fmt.Sprintf("%s %v", RespError, err), err
	}
}

// Handle は一行を解析・実行して応答行を返す
// 返されるエラーはログ用で、応答行は常に設定される
func Handle(line string, b store.Backend) (string, error) {
	cmd, err := Parse(line)
	if err != nil {
		return fmt.Sprintf("%s %v", RespError, err), err
	}
	return Execute(cmd, b)
}

func errorResponse(cmd Command, err error) string {
	if errors.Is(err, store.ErrOutOfRange) {
		return fmt.Sprintf("%s invalid position %d", RespError, cmd.Pos)
	}
	return fmt.Sprintf("%s %v", RespError, err)
}

// IsError は応答行がエラーかどうかを返す
func IsError(resp string) bool {
	return strings.HasPrefix(resp, RespError)
}

// ParseValue は READ の応答行から整数値を取り出す
func ParseValue(resp string) (int64, error) {
	fields := strings.Fields(resp)
	if len(fields) == 0 || IsError(resp) {
		return 0, fmt.Errorf("not a value response: %q", resp)
	}
	v, err := strconv.ParseInt(fields[len(fields)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not a value response: %q", resp)
	}
	return v, nil
}
