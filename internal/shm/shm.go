package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"sobench/internal/store"
)

// CellSize は 1 セルのバイト数（リトルエンディアン int32）
const CellSize = 4

var _ store.Backend = (*Region)(nil)

// Region はファイルをマップした共有整数配列
// 複数のプロセスが同じファイルを Open して同じセルを更新する
type Region struct {
	path    string
	file    *os.File
	data    []byte
	size    int
	locking bool

	// fcntl のロックはプロセス単位なので、同一プロセス内のゴルーチンは
	// セルごとのミューテックスで先に排他する
	cells []sync.Mutex

	mu     sync.RWMutex
	closed bool
}

// Create はファイルを size*4 バイトで作成（既存なら切り詰め）してマップする
// 全セルは 0 になる
func Create(path string, size int, locking bool) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("region size must be positive: %d", size)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared file: %w", err)
	}
	if err := f.Truncate(int64(size * CellSize)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to size shared file: %w", err)
	}
	r, err := mapFile(path, f, size, locking)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	clear(r.data)
	return r, nil
}

// Open は既存のファイルをマップする（ワーカー側）
func Open(path string, size int, locking bool) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("region size must be positive: %d", size)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open shared file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat shared file: %w", err)
	}
	if st.Size() < int64(size*CellSize) {
		_ = f.Close()
		return nil, fmt.Errorf("shared file %s holds %d bytes, need %d", path, st.Size(), size*CellSize)
	}
	r, err := mapFile(path, f, size, locking)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

func mapFile(path string, f *os.File, size int, locking bool) (*Region, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size*CellSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	r := &Region{
		path:    path,
		file:    f,
		data:    data,
		size:    size,
		locking: locking,
	}
	if locking {
		r.cells = make([]sync.Mutex, size)
	}
	return r, nil
}

// Path はバックファイルのパスを返す
func (r *Region) Path() string {
	return r.path
}

// Size はセル数を返す
func (r *Region) Size() int {
	return r.size
}

// Locking はロックモードが有効かを返す
func (r *Region) Locking() bool {
	return r.locking
}

func (r *Region) check(pos int) error {
	if pos < 0 || pos >= r.size {
		return fmt.Errorf("%w: %d (size %d)", store.ErrOutOfRange, pos, r.size)
	}
	return nil
}

var errClosed = errors.New("shared region is closed")

func (r *Region) load(pos int) int64 {
	off := pos * CellSize
	return int64(int32(binary.LittleEndian.Uint32(r.data[off : off+CellSize])))
}

func (r *Region) store(pos int, v int64) {
	off := pos * CellSize
	binary.LittleEndian.PutUint32(r.data[off:off+CellSize], uint32(int32(v)))
}

// Read はセルの値を返す
func (r *Region) Read(pos int) (int64, error) {
	if err := r.check(pos); err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return 0, errClosed
	}

	if !r.locking {
		return r.load(pos), nil
	}

	r.cells[pos].Lock()
	defer r.cells[pos].Unlock()
	if err := r.lockRange(pos, unix.F_RDLCK); err != nil {
		return 0, err
	}
	v := r.load(pos)
	if err := r.lockRange(pos, unix.F_UNLCK); err != nil {
		return v, err
	}
	return v, nil
}

// Accumulate はセルに delta を加算する
// ロックモードではバイト範囲の書き込みロックを読み書きの間だけ保持する
func (r *Region) Accumulate(pos int, delta int64) error {
	if err := r.check(pos); err != nil {
		return err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return errClosed
	}

	if !r.locking {
		r.store(pos, r.load(pos)+delta)
		return nil
	}

	r.cells[pos].Lock()
	defer r.cells[pos].Unlock()
	if err := r.lockRange(pos, unix.F_WRLCK); err != nil {
		return err
	}
	r.store(pos, r.load(pos)+delta)
	return r.lockRange(pos, unix.F_UNLCK)
}

// lockRange はセルのバイト範囲 [pos*4, pos*4+4) に fcntl ロックをかける（解放する）
func (r *Region) lockRange(pos int, typ int16) error {
	lk := unix.Flock_t{
		Type:   typ,
		Whence: 0,
		Start:  int64(pos * CellSize),
		Len:    CellSize,
	}
	for {
		err := unix.FcntlFlock(r.file.Fd(), unix.F_SETLKW, &lk)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("fcntl lock at %d: %w", pos, err)
		}
	}
}

// Sum はロックを取らずに全セルを合計する
// 書き込み中のワーカーがいると途中の値を含みうる
func (r *Region) Sum() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return 0
	}

	var sum int64
	for i := range r.size {
		sum += r.load(i)
	}
	return sum
}

// Snapshot は全セルのコピーを返す
func (r *Region) Snapshot() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil
	}

	out := make([]int64, r.size)
	for i := range r.size {
		out[i] = r.load(i)
	}
	return out
}

// Sync はマップした内容をファイルに書き出す
func (r *Region) Sync() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return errClosed
	}
	return unix.Msync(r.data, unix.MS_SYNC)
}

// Close はマップを解除してファイルを閉じる
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	if err := unix.Munmap(r.data); err != nil {
		errs = append(errs, fmt.Errorf("munmap: %w", err))
	}
	r.data = nil
	if err := r.file.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Remove はバックファイルを削除する
func (r *Region) Remove() error {
	if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
