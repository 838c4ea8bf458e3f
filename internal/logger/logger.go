package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level はログレベルを表す
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel は文字列からログレベルを解釈する
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug, nil
	case "info", "INFO", "":
		return LevelInfo, nil
	case "warn", "WARN":
		return LevelWarn, nil
	case "error", "ERROR":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// Logger はスレッドセーフなロガー
type Logger struct {
	mu       sync.Mutex
	out      io.Writer
	minLevel Level
	enabled  bool
}

// Default はデフォルトのロガー
var Default = New(os.Stdout, LevelInfo)

// New は新しいロガーを作成する
func New(out io.Writer, minLevel Level) *Logger {
	return &Logger{
		out:      out,
		minLevel: minLevel,
		enabled:  true,
	}
}

// SetLevel はログレベルを設定する
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// SetEnabled はログ出力の有効/無効を切り替える
// 無効でも Warn 以上は出力する
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Enabled は指定レベルのログが出力されるかを返す
func (l *Logger) Enabled(level Level) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allows(level)
}

func (l *Logger) allows(level Level) bool {
	if level < l.minLevel {
		return false
	}
	return l.enabled || level >= LevelWarn
}

// log は指定されたレベルでログを出力する
func (l *Logger) log(level Level, id string, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.allows(level) {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)

	if id != "" {
		_, _ = fmt.Fprintf(l.out, "[%s] [%s] [%s] %s\n", timestamp, level, id, msg)
	} else {
		_, _ = fmt.Fprintf(l.out, "[%s] [%s] %s\n", timestamp, level, msg)
	}
}

// Debug はデバッグログを出力する
func (l *Logger) Debug(id string, format string, args ...any) {
	l.log(LevelDebug, id, format, args...)
}

// Info は情報ログを出力する
func (l *Logger) Info(id string, format string, args ...any) {
	l.log(LevelInfo, id, format, args...)
}

// Warn は警告ログを出力する
func (l *Logger) Warn(id string, format string, args ...any) {
	l.log(LevelWarn, id, format, args...)
}

// Error はエラーログを出力する
func (l *Logger) Error(id string, format string, args ...any) {
	l.log(LevelError, id, format, args...)
}

// グローバル関数（デフォルトロガーを使用）

// Debug はデバッグログを出力する
func Debug(id string, format string, args ...any) {
	Default.Debug(id, format, args...)
}

// Info は情報ログを出力する
func Info(id string, format string, args ...any) {
	Default.Info(id, format, args...)
}

// Warn は警告ログを出力する
func Warn(id string, format string, args ...any) {
	Default.Warn(id, format, args...)
}

// Error はエラーログを出力する
func Error(id string, format string, args ...any) {
	Default.Error(id, format, args...)
}

// Enabled はデフォルトロガーで指定レベルが出力されるかを返す
func Enabled(level Level) bool {
	return Default.Enabled(level)
}

// Configure はデフォルトロガーの出力有無とレベルをまとめて設定する
func Configure(enabled bool, level Level) {
	Default.SetEnabled(enabled)
	Default.SetLevel(level)
}
