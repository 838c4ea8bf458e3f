// Package chaos はワーカープロセスへの障害注入を提供する。
//
// Monkey は一定間隔で生きているワーカープロセスをランダムに選んで
// SIGKILL で停止させ、chaos_kill イベントを発行する。
// 停止したワーカーは supervisor のヘルスチェックで検出され、再起動される。
// MinAlive 個のワーカーは常に残す。
//
// # 使用例
//
//	config := chaos.DefaultConfig()
//	config.Interval = 3 * time.Second
//
//	monkey := chaos.New(engine.Cluster(), config)
//	monkey.SetEventBus(bus)
//	monkey.Start(ctx)
//	defer monkey.Stop()
package chaos
