// Package recovery はワーカープロセスの障害からの自動復旧機能を提供する。
//
// RecoveryManagerは一定間隔でワーカープロセスの生存を確認し、
// 死んでいるワーカーをバランサーから外して同じ引数で再起動する。
//
// # 機能
//
// - ヘルスチェック: HealthInterval ごとにプロセスの生存を確認
// - 自動再起動: 死んだワーカーを再起動し、RestartWait 後に接続を確認
// - 振り分け連携: 故障時に MarkFailed、復旧時に MarkRecovered
// - 再試行: 復旧しなかったワーカーは次のチェックで再び再起動する
//
// # 使用例
//
//	config := recovery.DefaultConfig()
//	config.HealthInterval = 5 * time.Second
//
//	manager := recovery.New(cluster, balancer, config)
//	manager.SetEventBus(bus)
//	manager.Start(ctx)
//	defer manager.Stop()
package recovery
