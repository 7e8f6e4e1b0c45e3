/*
Package log provides structured logging for Caravan using zerolog.

Init configures the global logger once at process start: console output
for interactive engine runs, JSON to stdout for child services so the
observability agent can ingest the stream. Helpers return child loggers
pre-tagged with the identifiers that matter in this system (component,
service, journey, correlation id, company), keeping log lines joinable
with the events the platform receives.
*/
package log
