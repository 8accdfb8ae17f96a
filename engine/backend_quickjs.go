//go:build !v8

package engine

import (
	"github.com/isorun/isorun/backend"
	"github.com/isorun/isorun/internal/qjs"
)

// NewBackendFactory returns the QuickJS isolate factory, the default
// engine backend.
func NewBackendFactory(opts backend.EngineOptions) backend.Factory {
	return qjs.NewFactory(opts)
}
