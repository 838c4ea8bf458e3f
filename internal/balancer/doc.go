// Package balancer routes client connections across worker processes.
//
// Each worker is identified by its port and has a connection count and a
// failed flag. Ports with spare capacity wait in a FIFO queue, at most
// once each. NextWorkerPort takes the head of the queue, skipping failed
// workers; when the queue is empty it falls back to the least-loaded
// healthy worker, preferring the lowest port on a tie.
//
// # Basic Usage
//
//	b := balancer.New(12345, 4, 250) // ports 12346..12349
//	port, err := b.NextWorkerPort()
//	if err != nil {
//	    return err // ErrNoHealthyWorker
//	}
//	defer b.Release(port)
//
// The supervisor's health checks call MarkFailed and MarkRecovered; the
// client driver reports a broken connection with MarkFailed as well.
package balancer
