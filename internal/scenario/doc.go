// Package scenario はベンチマークの実行機能を提供する。
//
// Runner は設定されたアーキテクチャのサーバーを起動し、
// クライアントドライバで負荷をかけ、最終合計と確認済みの書き込みを
// 突き合わせて結果をまとめる。process 構成ではカオス注入
// （ワーカーの強制終了）と supervisor の再起動統計も集める。
//
// # プリセットシナリオ
//
// - thread: スレッドプールサーバー
// - eventloop: イベントループサーバー
// - process: ワーカープロセス + 共有メモリ
// - race: ロックなしで一つのセルに書き込みを集中
// - resilience: ワーカーの強制終了と再起動
// - quick: 短時間の動作確認
//
// # 使用例
//
//	config := scenario.RaceScenario()
//	runner := scenario.New(config)
//	result, err := runner.Run(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(result.Report())
package scenario
