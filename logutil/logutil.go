// logutil.go - Hilfen fuer strukturiertes Logging
// Enthaelt: Trace-Level unterhalb von Debug und einen Logger-Konstruktor
// mit gekuerzten Quellpfaden.
package logutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
)

// LevelTrace liegt unterhalb von Debug und traegt Detail aus heissen
// Pfaden (Tensor-Formen, Maskenbau), das Debug zu laut machen wuerde.
const LevelTrace slog.Level = slog.LevelDebug - 4

// Trace loggt auf Trace-Level ueber den Default-Logger.
func Trace(msg string, args ...any) {
	slog.Log(context.TODO(), LevelTrace, msg, args...)
}

// TraceContext loggt auf Trace-Level mit Context.
func TraceContext(ctx context.Context, msg string, args ...any) {
	slog.Log(ctx, LevelTrace, msg, args...)
}

// NewLogger baut einen slog-Logger, der Quellpfade auf den Dateinamen
// kuerzt und das Trace-Level benennt.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.SourceKey:
				if source, ok := attr.Value.Any().(*slog.Source); ok {
					source.File = filepath.Base(source.File)
				}
			case slog.LevelKey:
				if level, ok := attr.Value.Any().(slog.Level); ok && level == LevelTrace {
					attr.Value = slog.StringValue("TRACE")
				}
			}
			return attr
		},
	}))
}
