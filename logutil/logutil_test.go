// MODUL: logutil_test
// ZWECK: Tests fuer den Logger-Aufbau und das Trace-Level
// INPUT: In-Memory-Puffer als Log-Ziel
// OUTPUT: Testresultate
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: testing, bytes, log/slog

package logutil

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerTraceLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace)

	logger.Log(context.Background(), LevelTrace, "feintest", "schritt", 3)

	out := buf.String()
	if !strings.Contains(out, "level=TRACE") {
		t.Errorf("Ausgabe %q traegt kein TRACE-Level", out)
	}
	if !strings.Contains(out, "feintest") {
		t.Errorf("Ausgabe %q traegt die Nachricht nicht", out)
	}
}

func TestNewLoggerShortSource(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)

	logger.Info("quelle")

	out := buf.String()
	if !strings.Contains(out, "logutil_test.go") {
		t.Errorf("Ausgabe %q traegt den Dateinamen nicht", out)
	}
	if strings.Contains(out, "/logutil/") {
		t.Errorf("Ausgabe %q traegt noch den vollen Pfad", out)
	}
}

func TestNewLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)

	logger.Debug("unsichtbar")

	if buf.Len() != 0 {
		t.Errorf("Debug unterhalb des Levels wurde geschrieben: %q", buf.String())
	}
}
