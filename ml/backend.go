// backend.go - Backend-Interface und Registrierung fuer ML-Modelle
// Dieses Modul definiert das Backend-Interface und die Backend-Factory-Funktionen.
package ml

import (
	"fmt"

	"github.com/7blacky7/voxelclip/logutil"
)

// Backend represents a tensor execution backend (e.g., the pure-Go CPU
// reference backend).
type Backend interface {
	// Close frees all memory associated with this backend
	Close()

	Name() string
	NewContext() Context
}

// BackendParams controls how a backend executes tensor graphs.
type BackendParams struct {
	// NumThreads sets the number of threads to use if running on the CPU
	NumThreads int
}

var backends = make(map[string]func(BackendParams) (Backend, error))

// RegisterBackend registers a backend factory function.
func RegisterBackend(name string, f func(BackendParams) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

// NewBackend creates a new backend instance by name.
func NewBackend(name string, params BackendParams) (Backend, error) {
	if backend, ok := backends[name]; ok {
		logutil.Trace("selecting backend", "name", name, "threads", params.NumThreads)
		return backend(params)
	}

	return nil, fmt.Errorf("unsupported backend %q", name)
}
