// Package log owns the process-wide zerolog logger for the FoldDB core.
// Components never log through the global logger directly; each one takes
// a child logger from WithComponent (or one of the domain-scoped
// constructors) so every line carries the identifiers needed to trace a
// failure back to its schema, field, transform, or atom.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the root logger every child derives from. Until Init runs it
// discards everything, so packages constructed before the embedding
// program configures logging stay silent rather than panicking or
// defaulting to stdout.
var Logger = zerolog.Nop()

// Config selects the log level, encoding, and destination. Level accepts
// zerolog's level names ("debug", "info", "warn", "error", ...); anything
// unrecognized, including the empty string, falls back to info.
type Config struct {
	Level  string
	JSON   bool
	Output io.Writer
}

// Init builds the root logger from cfg. FoldDB is a library, so this is
// called by the facade's Open, on every call, with values from the
// embedding configuration; each call replaces the previous root logger.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !cfg.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	Logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// WithComponent returns a child logger scoped to one core component
// ("atom", "schema", "orchestrator", ...).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithSchema returns a child logger carrying the schema name.
func WithSchema(schemaName string) zerolog.Logger {
	return Logger.With().Str("schema_name", schemaName).Logger()
}

// WithField returns a child logger carrying a schema/field pair.
func WithField(schemaName, fieldName string) zerolog.Logger {
	return Logger.With().Str("schema_name", schemaName).Str("field_name", fieldName).Logger()
}

// WithTransform returns a child logger carrying a transform id.
func WithTransform(transformID string) zerolog.Logger {
	return Logger.With().Str("transform_id", transformID).Logger()
}

// WithAtomUUID returns a child logger carrying an atom UUID.
func WithAtomUUID(atomUUID string) zerolog.Logger {
	return Logger.With().Str("atom_uuid", atomUUID).Logger()
}
