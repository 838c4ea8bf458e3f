// Package logger provides a simple, thread-safe logging facility.
//
// The logger supports four levels: Debug, Info, Warn, and Error.
// Each log entry includes a timestamp, level, optional source ID
// (a connection, a worker such as "worker-12346", or empty), and message.
//
// # Basic Usage
//
// Using the default logger:
//
//	logger.Info("", "Server started on %s", addr)
//	logger.Debug("conn-7", "READ 3 -> VALUE 2")
//	logger.Error("worker-12346", "Failed: %v", err)
//
// Creating a custom logger:
//
//	l := logger.New(os.Stderr, logger.LevelDebug)
//	l.Debug("conn-1", "Debug message")
//
// # Log Toggle
//
// SetEnabled(false) silences Debug and Info output while still printing
// Warn and Error, so startup failures remain visible. Enabled(level)
// lets hot paths skip formatting request traces entirely:
//
//	if logger.Enabled(logger.LevelDebug) {
//	    logger.Debug(id, "request %q", line)
//	}
//
// # Thread Safety
//
// All logging operations are protected by a mutex and safe for concurrent use.
package logger
