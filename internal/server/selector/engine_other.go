//go:build !linux

package selector

import (
	"context"

	"sobench/internal/server"
)

// Engine は linux 以外では使えない
type Engine struct {
	config server.Config
}

func newEngine(config server.Config) (*Engine, error) {
	return nil, ErrUnsupported
}

func (e *Engine) Start(ctx context.Context) error { return ErrUnsupported }

func (e *Engine) Stop() error { return ErrUnsupported }

func (e *Engine) Sum() int64 { return 0 }

func (e *Engine) Summary() server.Summary {
	return server.Summary{Architecture: server.ArchEventLoop}
}

func (e *Engine) Addr() string { return e.config.ListenAddr() }

// Connections は常に空
func (e *Engine) Connections() map[State]int64 { return map[State]int64{} }
