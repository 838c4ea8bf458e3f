package store

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrOutOfRange は位置が [0, size) の範囲外であることを示す
var ErrOutOfRange = errors.New("position out of range")

// Granularity はロックの粒度を表す
type Granularity int

const (
	// None は同期を行わない（競合のデモ用）
	None Granularity = iota
	// PerCell はセルごとのロック
	PerCell
	// Global はストア全体で一つのロック
	Global
)

func (g Granularity) String() string {
	switch g {
	case None:
		return "none"
	case PerCell:
		return "cell"
	case Global:
		return "global"
	default:
		return "unknown"
	}
}

// ParseGranularity は文字列からロック粒度を解釈する
func ParseGranularity(s string) (Granularity, error) {
	switch s {
	case "none", "off", "false":
		return None, nil
	case "cell", "per-cell", "percell", "true":
		return PerCell, nil
	case "global":
		return Global, nil
	default:
		return None, fmt.Errorf("unknown lock granularity: %s", s)
	}
}

// Backend はプロトコル処理から見たストアの操作
type Backend interface {
	Read(pos int) (int64, error)
	Accumulate(pos int, delta int64) error
	Sum() int64
	Size() int
}

// Ensure Store implements Backend
var _ Backend = (*Store)(nil)

// Store は固定長の整数セル列
type Store struct {
	granularity Granularity
	cells       []atomic.Int64

	global sync.RWMutex
	locks  []sync.Mutex
}

// New は全セルが 0 のストアを作成する
func New(size int, granularity Granularity) *Store {
	s := &Store{
		granularity: granularity,
		cells:       make([]atomic.Int64, size),
	}
	if granularity == PerCell {
		s.locks = make([]sync.Mutex, size)
	}
	return s
}

// Size はセル数を返す
func (s *Store) Size() int {
	return len(s.cells)
}

// Granularity はロック粒度を返す
func (s *Store) Granularity() Granularity {
	return s.granularity
}

func (s *Store) check(pos int) error {
	if pos < 0 || pos >= len(s.cells) {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrOutOfRange, pos, len(s.cells))
	}
	return nil
}

// Read は pos の値を返す
func (s *Store) Read(pos int) (int64, error) {
	if err := s.check(pos); err != nil {
		return 0, err
	}

	switch s.granularity {
	case PerCell:
		s.locks[pos].Lock()
		defer s.locks[pos].Unlock()
	case Global:
		s.global.RLock()
		defer s.global.RUnlock()
	}
	return s.cells[pos].Load(), nil
}

// Accumulate は pos のセルに delta を加算する
func (s *Store) Accumulate(pos int, delta int64) error {
	if err := s.check(pos); err != nil {
		return err
	}

	switch s.granularity {
	case PerCell:
		s.locks[pos].Lock()
		defer s.locks[pos].Unlock()
	case Global:
		s.global.Lock()
		defer s.global.Unlock()
	}

	// None ではロード→ストアの間に他の書き込みが割り込み得る（更新の消失）
	v := s.cells[pos].Load()
	s.cells[pos].Store(v + delta)
	return nil
}

// Sum は全セルの合計を返す
// None の場合は同時書き込みと整合しない可能性がある
func (s *Store) Sum() int64 {
	switch s.granularity {
	case PerCell:
		for i := range s.locks {
			s.locks[i].Lock()
		}
		defer func() {
			for i := range s.locks {
				s.locks[i].Unlock()
			}
		}()
	case Global:
		s.global.RLock()
		defer s.global.RUnlock()
	}

	var sum int64
	for i := range s.cells {
		sum += s.cells[i].Load()
	}
	return sum
}

// Snapshot は全セルの値のコピーを返す
func (s *Store) Snapshot() []int64 {
	if s.granularity == Global {
		s.global.RLock()
		defer s.global.RUnlock()
	}

	values := make([]int64, len(s.cells))
	for i := range s.cells {
		values[i] = s.cells[i].Load()
	}
	return values
}
