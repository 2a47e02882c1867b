// Package logging provides the structured logging used across the probe's
// daemon and CLI entrypoints.
//
// # Architecture
//
// Logging is a single process-wide slog.Logger initialized once at startup
// via Init. All components log through the package-level Debug/Info/Warn/
// Error functions, passing a subsystem name for filtering (e.g.
// "Scheduler", "FSM", "ConsumerStream", "CredentialBroker").
//
// # Audit events
//
// The vault credential fetch (credentials.Broker) additionally emits an
// AuditEvent via Audit; evidence upload emits none. Audit events
// are plain INFO-level log lines carrying an [AUDIT] prefix and a fixed set
// of fields; they never carry secret material such as a jaasConfig string or
// a raw vault response body.
//
// # Thread safety
//
// All exported functions are safe for concurrent use from multiple
// goroutines; the underlying slog.Logger and handler are safe for
// concurrent writes.
package logging
