/*
Package log provides structured logging for piousd using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level for production debugging.

# Architecture

piousd's logging system provides structured JSON logging with minimal overhead:

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent(ComponentSSM)                     │          │
	│  │  - WithTransID(tid)               │          │
	│  │  - WithFHandle(fh)                     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "dispatcher",               │          │
	│  │    "time": "2026-07-30T10:30:00Z",         │          │
	│  │    "message": "transaction committed"       │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  2026-07-30T10:30:00Z INF transaction committed component=dispatcher │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all piousd packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs (ssm, lockmgr, cache, datamgr, recovery, dispatcher)
  - WithTransID: Add transid to all logs for one transaction's lifetime
  - WithFHandle: Add fhandle to all logs touching one file

# Log Levels

Debug Level:
  - Purpose: Detailed debugging information
  - Usage: Development and troubleshooting
  - Performance: Verbose, may impact production
  - Example: "Evaluating FIFO predicate for blocked writer"

Info Level:
  - Purpose: General informational messages
  - Usage: Default production level
  - Performance: Moderate volume
  - Example: "piousd serving 127.0.0.1:9521"

Warn Level:
  - Purpose: Potential issues or unexpected conditions
  - Usage: Situations that may require attention
  - Performance: Low volume
  - Example: "TLOG non-empty at startup, replaying before serving"

Error Level:
  - Purpose: Operation failures that need investigation
  - Usage: Failed operations, exceptions
  - Performance: Low volume
  - Example: "stable storage manager fatal error"

Fatal Level:
  - Purpose: Critical errors causing process termination
  - Usage: Unrecoverable errors only
  - Behavior: Logs message and exits process (os.Exit(1))
  - Example: "failed to open stable storage manager: %v"

# Usage

Initializing the Logger:

	import "github.com/cuemby/pious-pds/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

	// Custom output (file)
	file, _ := os.OpenFile("/var/log/piousd.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     file,
	})

Simple Logging:

	log.Info("piousd starting")
	log.Debug("checking TLOG size")
	log.Warn("deadlock sweep aborted a transaction")
	log.Error("failed to sync TLOG")
	log.Fatal("cannot start with a fatal stable storage manager") // Exits process

Structured Logging:

	log.Logger.Info().
		Str("transid", tid.String()).
		Int("writes", len(writes)).
		Msg("transaction prepared")

	log.Logger.Error().
		Err(err).
		Str("fhandle", fh.String()).
		Msg("write failed")

Component Loggers:

	// Create component-specific logger
	ssmLog := log.WithComponent(log.ComponentSSM)
	ssmLog.Info().Msg("stable storage manager opened")
	ssmLog.Debug().Str("transid", tid.String()).Msg("logging prepare record")

	// Multiple context fields
	txLog := log.WithComponent(log.ComponentDispatcher).
		With().Str("transid", tid.String()).
		Str("fhandle", fh.String()).Logger()
	txLog.Info().Msg("write granted")
	txLog.Error().Err(err).Msg("write failed")

Context Logger Helpers:

	// Transaction-specific logs
	txLog := log.WithTransID(tid)
	txLog.Info().Msg("transaction committed")

	// File-specific logs
	fileLog := log.WithFHandle(fh)
	fileLog.Info().Msg("file truncated")

Complete Example:

	package main

	import (
		"errors"
		"os"
		"github.com/cuemby/pious-pds/pkg/log"
	)

	func main() {
		// Initialize logger
		log.Init(log.Config{
			Level:      log.InfoLevel,
			JSONOutput: true,
			Output:     os.Stdout,
		})

		log.Info("piousd starting")

		// Component-specific logging
		ssmLog := log.WithComponent(log.ComponentSSM)
		ssmLog.Info().
			Str("logdir", "/var/lib/piousd").
			Msg("stable storage manager opened")

		// Error logging
		err := errors.New("connection refused")
		log.Logger.Error().
			Err(err).
			Str("component", "dispatcher").
			Msg("accept failed")

		log.Info("piousd stopped")
	}

# Integration Points

This package integrates with:

  - pkg/ssm: Logs stable storage lifecycle and fatal errors
  - pkg/dispatcher: Logs per-connection accept/dispatch/sweep events
  - pkg/datamgr, pkg/recovery: Logs prepare/commit/abort and replay
  - cmd/piousd: Logs startup, shutdown, and recovery

# Log Output Examples

JSON Format (Production):

	{"level":"info","component":"ssm","time":"2026-07-30T10:30:00Z","message":"stable storage manager opened"}
	{"level":"info","component":"dispatcher","transid":"1.1234.567.0","time":"2026-07-30T10:30:01Z","message":"transaction committed"}
	{"level":"error","component":"datamgr","fhandle":"42:17","error":"no space left on device","time":"2026-07-30T10:30:02Z","message":"write failed"}

Console Format (Development):

	2026-07-30T10:30:00Z INF stable storage manager opened component=ssm
	2026-07-30T10:30:01Z INF transaction committed component=dispatcher transid=1.1234.567.0
	2026-07-30T10:30:02Z ERR write failed component=datamgr fhandle=42:17 error="no space left on device"
*/
package log
