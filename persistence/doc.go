// Package persistence provides session.Adapter implementations: a JSON file
// with timestamped backups, a bbolt row store and an in-memory adapter for
// tests and ephemeral servers.
package persistence
