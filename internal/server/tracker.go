package server

import (
	"sync/atomic"
	"time"
)

// ConnTracker は接続数と最終アクティビティ時刻を記録する
// 全エンジンで共有され、アイドル監視の入力になる
type ConnTracker struct {
	accepted     atomic.Uint64
	active       atomic.Int64
	served       atomic.Uint64
	protocolErrs atomic.Uint64
	lastActive   atomic.Int64 // UnixNano
	now          func() time.Time
}

// NewConnTracker は新しいトラッカーを作成する
func NewConnTracker() *ConnTracker {
	t := &ConnTracker{now: time.Now}
	t.Touch()
	return t
}

// Opened は接続の受付を記録する
func (t *ConnTracker) Opened() {
	t.accepted.Add(1)
	t.active.Add(1)
	t.Touch()
}

// Closed は接続の終了を記録する
func (t *ConnTracker) Closed() {
	if t.active.Add(-1) < 0 {
		t.active.Store(0)
	}
	t.Touch()
}

// Served は処理したリクエストを記録する
func (t *ConnTracker) Served(isErr bool) {
	t.served.Add(1)
	if isErr {
		t.protocolErrs.Add(1)
	}
}

// Touch は最終アクティビティ時刻を更新する
func (t *ConnTracker) Touch() {
	t.lastActive.Store(t.now().UnixNano())
}

// Active は現在の接続数を返す
func (t *ConnTracker) Active() int64 {
	return t.active.Load()
}

// IdleFor は最後のアクティビティからの経過時間を返す
func (t *ConnTracker) IdleFor() time.Duration {
	return t.now().Sub(time.Unix(0, t.lastActive.Load()))
}

// Fill は統計を Summary に書き込む
func (t *ConnTracker) Fill(s *Summary) {
	s.Accepted = t.accepted.Load()
	s.Active = t.active.Load()
	s.Served = t.served.Load()
	s.ProtocolErrs = t.protocolErrs.Load()
}
