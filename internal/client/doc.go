// Package client provides the load driver used to benchmark the servers.
//
// A Driver runs a fixed number of client sessions on a worker pool. Each
// session opens one connection, issues its READ/WRITE sequence against
// random positions and closes. A weighted semaphore bounds the number of
// connections open at the same time; sessions beyond that bound queue.
//
// Connecting retries with exponential backoff plus jitter. A session that
// loses its connection halfway reconnects (through the balancer, possibly
// to another worker) and reissues the failed operation.
//
// # Basic Usage
//
//	config := client.DefaultConfig()
//	config.Clients = 50
//	config.Writes = 100
//
//	d := client.New(client.DirectDialer{Addr: "127.0.0.1:12345"}, config)
//	report, err := d.Run(ctx)
//	fmt.Println(report)
//
// For the process server route through the shared balancer:
//
//	dialer := client.BalancedDialer{Host: "127.0.0.1", Balancer: engine.Balancer()}
//	d := client.New(dialer, config)
//
// # Configuration
//
// The Config struct allows tuning:
//   - Clients, Reads, Writes: number of sessions and operations per session
//   - Pattern: interleaved, reads-first, writes-first or a literal "RRW" sequence
//   - HotCells: restrict positions to the first N cells to force contention
//   - MaxOpenConns: admission limit on open connections
//   - MaxRetries, InitialBackoff, Jitter: connection retry policy
package client
