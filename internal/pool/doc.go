// Package pool provides a bounded goroutine pool for concurrent job execution.
//
// The Pool manages a fixed number of worker goroutines that process jobs
// from a shared queue. The thread-pool server hands each accepted
// connection to the pool as one job, and the client driver dispatches
// its sessions through it.
//
// # Basic Usage
//
//	p := pool.New(4) // 4 workers
//	p.Start(ctx)
//	defer p.Stop()
//
//	for i := 0; i < 100; i++ {
//	    p.Submit(func() {
//	        // do work
//	    })
//	}
//
// # Configuration
//
//	p := pool.NewWithConfig(pool.Config{
//	    Name:        "conn-pool",
//	    NumWorkers:  8,
//	    QueueFactor: 200, // Queue size = 8 * 200 = 1600
//	})
//
// # Shutdown
//
// Shutdown() stops accepting jobs and returns immediately; queued and
// running jobs keep going. Stop() does the same and then waits for the
// queue to drain. Abort() discards queued jobs and waits only for the
// running ones.
package pool
