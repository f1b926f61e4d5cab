// Package log provides MarQS's structured logging facade and utilities.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// simple Field type for structured context. The Logger methods format each
// entry with the configured Formatter and write it to the configured Outputs
// directly. Each logger also builds a slog.Logger over a bridge handler that
// writes through the same formatter and outputs.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("server"), log.Str("ns", "default"))
//	l.Info("server started", log.Int("port", 8080))
//
// # Configuration
//
// Use ApplyConfig to build a logger from a declarative Config, supporting JSON
// or text formatting; it always writes to the console output. NewLogger with
// WithOutput accepts other outputs (WriterOutput, NullOutput).
//
// # Interop
//
// To integrate with libraries expecting the standard library's log.Logger,
// use RedirectStdLog. Most code should construct and pass a Logger explicitly
// rather than reach for a package-level default.
package log
