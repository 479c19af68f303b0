/*
Package log provides structured logging using zerolog.

The log package wraps zerolog to provide structured logging, as console
or JSON output, with component-specific child loggers and configurable log levels. All logs
include timestamps and support filtering by severity.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Component loggers:

	streamLog := log.WithComponent("stream")
	streamLog.Info().Int64("offset", off).Msg("resuming update stream")

Structured error logging:

	log.Logger.Error().
		Err(err).
		Int64("offset", off).
		Msg("batch commit failed")

Console output (the default) is meant for interactive use; pass --log-json
to the CLI for machine-readable output in production.
*/
package log
