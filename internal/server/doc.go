// Package server defines what the three server engines have in common.
//
// Each engine (thread pool, event loop, worker processes) lives in its
// own subpackage and satisfies the Server interface. This package holds
// the shared Config, the Summary they report, the ConnTracker that
// counts connections, and the idle Monitor that prints a summary once
// traffic stops.
//
// # Basic Usage
//
//	tracker := server.NewConnTracker()
//	mon := server.NewMonitor(tracker, 3*time.Second, func() {
//	    logger.Info("server", "%s", srv.Summary())
//	})
//	mon.Start(ctx)
//	defer mon.Stop()
//
// # Idle Summary
//
// The monitor checks every two seconds. When no connection is active and
// nothing happened for the idle window, it calls the report function
// once. New activity re-arms it.
package server
