// Package logger provides structured logging capabilities.
//
// The logger package sets up and configures the coordinator's logging
// system using zap. Components receive a named child of the process logger
// (coordinator, monitor, engine, rpc) so every line can be traced to the
// loop that wrote it.
//
// Usage:
//
//	logger, err := logger.New("production", "info")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	logger.Named("coordinator").Info("coordinator ready")
package logger
