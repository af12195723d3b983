// Package logger provides structured logging capabilities.
//
// The logger package sets up and configures the application's logging
// system using zap, providing structured, high-performance logging
// throughout the application.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    return err
//	}
//	log.Info("configuration loaded", zap.String("transport", "stdio"))
//
// Logs are written to stderr so that stdout stays free for the stdio
// transport and the worker response frame.
package logger