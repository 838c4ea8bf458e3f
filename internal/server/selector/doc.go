// Package selector implements the event-loop server engine.
//
// A single goroutine, locked to its OS thread, owns an epoll instance,
// the nonblocking listening socket and every client socket. Each
// connection moves through Accepted, Reading, Processing and
// WritePending; the loop watches for writability only while a response
// is still buffered. EpollWait returns at least every PollInterval so the
// loop can notice Stop.
//
// Store locking follows the configured granularity even though only one
// goroutine touches the store here.
//
// # Basic Usage
//
//	e, err := selector.New(cfg)
//	if err != nil {
//	    return err // ErrUnsupported outside linux
//	}
//	if err := e.Start(ctx); err != nil {
//	    return err
//	}
//	defer e.Stop()
package selector
