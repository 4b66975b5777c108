/*
Package log provides structured logging for Nebulous using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("control plane started")
	log.Error("failed to reach provider API")

Structured logging with context:

	log.Logger.Info().
		Str("container_id", id).
		Str("platform", "runpod").
		Msg("pod created")

Component loggers:

	reconLog := log.WithComponent("reconciler")
	reconLog.Debug().Int("page", page).Msg("scanning active containers")

	watchLog := log.WithContainerID(id)
	watchLog.Warn().Err(err).Msg("watch poll failed")

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data (container_id, platform, namespace)
  - Log errors with .Err() so they aggregate cleanly

Don't:
  - Log secret values, auth keys, or scoped credentials
  - Use Debug level in production
  - Concatenate IDs into messages (use .Str fields)
*/
package log
