// config.go - Environment-Konfiguration fuer voxelclip
//
// Dieses Modul enthaelt:
// - LogLevel: Gibt Log-Level zurueck (VOXELCLIP_DEBUG)
// - NumThreads: Gibt Thread-Zahl des CPU-Backends zurueck (VOXELCLIP_NUM_THREADS)
// - Checkpoints: Gibt Checkpoint-Verzeichnis zurueck (VOXELCLIP_CHECKPOINTS)
// - KeepFP32: Schaltet das FP16-Runden der Projektionen ab (VOXELCLIP_KEEP_FP32)
// - Var/Bool/Uint: Getter-Utilities
// - AsMap/Values: Export aller Konfigurationen
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// LogLevel gibt das Log-Level zurueck
// Konfigurierbar via VOXELCLIP_DEBUG (bool oder Stufenzahl, 2 = Trace)
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("VOXELCLIP_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// NumThreads gibt die Thread-Zahl fuer die parallelen Kernel zurueck
// Konfigurierbar via VOXELCLIP_NUM_THREADS
// Default: Zahl der logischen CPUs
func NumThreads() int {
	if n := Uint("VOXELCLIP_NUM_THREADS", 0)(); n > 0 {
		return int(n)
	}
	return runtime.NumCPU()
}

// Checkpoints gibt das Checkpoint-Verzeichnis zurueck
// Konfigurierbar via VOXELCLIP_CHECKPOINTS
// Default: $HOME/.voxelclip/checkpoints
func Checkpoints() string {
	if s := Var("VOXELCLIP_CHECKPOINTS"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}

	return filepath.Join(home, ".voxelclip", "checkpoints")
}

// KeepFP32 laesst beim Checkpoint-Import alle Gewichte in F32
// Konfigurierbar via VOXELCLIP_KEEP_FP32
var KeepFP32 = Bool("VOXELCLIP_KEEP_FP32")

// =============================================================================
// Getter-Utilities
// =============================================================================

// Var gibt eine Environment-Variable zurueck
// Entfernt fuehrende/trailing Quotes und Leerzeichen
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// Bool gibt eine Funktion zurueck, die einen Bool liest (Default: false)
func Bool(key string) func() bool {
	return func() bool {
		if s := Var(key); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return false
	}
}

// Uint gibt eine Funktion zurueck, die einen uint mit Default-Wert liest
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// =============================================================================
// Export-Strukturen und -Funktionen
// =============================================================================

// EnvVar repraesentiert eine Environment-Variable mit Metadaten
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap gibt alle Konfigurationen als Map zurueck
// Enthaelt Namen, aktuelle Werte und Beschreibungen
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"VOXELCLIP_DEBUG":       {"VOXELCLIP_DEBUG", LogLevel(), "Show additional debug information (e.g. VOXELCLIP_DEBUG=1)"},
		"VOXELCLIP_NUM_THREADS": {"VOXELCLIP_NUM_THREADS", NumThreads(), "Number of worker threads for the cpu backend"},
		"VOXELCLIP_CHECKPOINTS": {"VOXELCLIP_CHECKPOINTS", Checkpoints(), "The path to the checkpoint directory"},
		"VOXELCLIP_KEEP_FP32":   {"VOXELCLIP_KEEP_FP32", KeepFP32(), "Keep all imported weights in float32"},
	}
}

// Values gibt alle Konfigurationswerte als String-Map zurueck
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
