package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"sobench/internal/logger"
	"sobench/internal/protocol"
	"sobench/internal/store"
)

// WriteTimeout は応答の書き込みに許す時間
// 読み込みには期限を設けず、接続の終了は相手のクローズでのみ検知する
const WriteTimeout = 30 * time.Second

// ServeConn は一つの接続でリクエスト行を読み、応答行を返し続ける
// EOF または読み書きエラーで戻る。エラー応答では接続を閉じない
func ServeConn(conn net.Conn, backend store.Backend, tracker *ConnTracker, id string) {
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		line, err := r.ReadString('\n')
		// 改行のない最終行は処理してから閉じる
		if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug(id, "read failed: %v", err)
			}
			return
		}
		tracker.Touch()

		resp, herr := protocol.Handle(line, backend)
		tracker.Served(herr != nil)
		if herr != nil {
			logger.Debug(id, "%q: %v", line, herr)
		} else if logger.Enabled(logger.LevelDebug) {
			logger.Debug(id, "%s -> %s", trimLine(line), resp)
		}

		if err := conn.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil {
			return
		}
		if _, err := w.WriteString(resp + "\n"); err != nil {
			return
		}
		// 次の行がバッファにあればまとめて書き出す
		if r.Buffered() == 0 {
			if err := w.Flush(); err != nil {
				logger.Debug(id, "write failed: %v", err)
				return
			}
		}
	}
}

func trimLine(line string) string {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

// ConnSet は開いている接続を保持し、停止時にまとめて閉じる
type ConnSet struct {
	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewConnSet は空の ConnSet を作成する
func NewConnSet() *ConnSet {
	return &ConnSet{conns: make(map[net.Conn]struct{})}
}

// Add は接続を登録する
func (s *ConnSet) Add(c net.Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

// Remove は接続の登録を外す
func (s *ConnSet) Remove(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Len は登録数を返す
func (s *ConnSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// CloseAll は全接続を閉じる
func (s *ConnSet) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

// Drain は登録中の接続を閉じて登録を外し、その数を返す
func (s *ConnSet) Drain() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.conns)
	for c := range s.conns {
		_ = c.Close()
		delete(s.conns, c)
	}
	return n
}
