// Package log provides structured logging for statesocket using zerolog.
//
// A single global Logger is configured once with Init and shared by every
// package. Components derive child loggers with WithComponent so that every
// line carries a "component" field:
//
//	log.Init(log.Config{Level: log.DebugLevel, JSONOutput: false})
//	logger := log.WithComponent("session")
//	logger.Info().Int("connections", 3).Msg("broadcast complete")
//
// Per-connection code narrows a component logger further with WithConnID.
//
// JSON output is meant for production; the console writer is meant for
// development. Levels below the configured threshold are dropped globally.
package log
