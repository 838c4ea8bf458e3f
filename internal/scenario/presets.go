package scenario

import (
	"sort"
	"time"

	"sobench/internal/client"
	"sobench/internal/server"
	"sobench/internal/store"
)

func benchConfig(name, description string, arch server.Architecture) Config {
	config := DefaultConfig()
	config.Name = name
	config.Description = description
	config.Server.Architecture = arch
	config.Server.IdleWindow = 0
	config.Client.StoreSize = config.Server.StoreSize
	return config
}

// ThreadScenario はスレッドプール構成の負荷テスト
func ThreadScenario() Config {
	return benchConfig("thread", "Thread pool server, per-cell locking", server.ArchThread)
}

// EventLoopScenario はイベントループ構成の負荷テスト
func EventLoopScenario() Config {
	return benchConfig("eventloop", "Single-threaded event loop server, per-cell locking", server.ArchEventLoop)
}

// ProcessScenario はマルチプロセス構成の負荷テスト
func ProcessScenario() Config {
	config := benchConfig("process", "Worker processes over shared memory with byte-range locks", server.ArchProcess)
	config.Server.Workers = 4
	config.Server.MaxConnsPerWorker = 250
	return config
}

// RaceScenario はロックなしで一つのセルに書き込みを集中させる
// 最終合計が期待値を下回れば更新の消失が起きている
func RaceScenario() Config {
	config := benchConfig("race", "No locking, every write hits cell 0 to expose lost updates", server.ArchThread)
	config.Server.Granularity = store.None
	config.Client.Clients = 50
	config.Client.Reads = 0
	config.Client.Writes = 200
	config.Client.HotCells = 1
	return config
}

// ResilienceScenario はワーカーを停止させながら負荷をかける
func ResilienceScenario() Config {
	config := benchConfig("resilience", "Process workers killed during the run, supervisor restarts them", server.ArchProcess)
	config.Server.Workers = 4
	config.Server.HealthInterval = 1 * time.Second
	config.Server.RestartWait = 500 * time.Millisecond
	config.Client.Clients = 200
	config.Client.Reads = 50
	config.Client.Writes = 50
	config.Client.MaxRetries = 8
	config.EnableChaos = true
	config.ChaosInterval = 2 * time.Second
	config.ChaosTargets = 1
	return config
}

// QuickScenario はクイックテスト用シナリオを返す
// 短時間での動作確認用
func QuickScenario() Config {
	config := benchConfig("quick", "Quick test for verification", server.ArchThread)
	config.Server.StoreSize = 100
	config.Client = client.DefaultConfig()
	config.Client.Clients = 10
	config.Client.Reads = 5
	config.Client.Writes = 5
	config.Client.StoreSize = 100
	return config
}

var presets = map[string]func() Config{
	"thread":     ThreadScenario,
	"eventloop":  EventLoopScenario,
	"process":    ProcessScenario,
	"race":       RaceScenario,
	"resilience": ResilienceScenario,
	"quick":      QuickScenario,
}

// GetPreset は名前からプリセットシナリオを取得する
func GetPreset(name string) (Config, bool) {
	if fn, ok := presets[name]; ok {
		return fn(), true
	}
	return Config{}, false
}

// ListPresets は利用可能なプリセット名を返す
func ListPresets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
