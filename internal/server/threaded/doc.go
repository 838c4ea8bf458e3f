// Package threaded implements the thread-pool server engine.
//
// Every accepted connection becomes one job on a bounded goroutine pool.
// The job reads request lines, applies them to the shared store and
// writes one response per line until the client disconnects. When all
// workers are busy the accept loop waits for a free one.
//
// # Basic Usage
//
//	cfg := server.DefaultConfig()
//	cfg.Granularity = store.PerCell
//	e := threaded.New(cfg)
//	if err := e.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer e.Stop()
package threaded
