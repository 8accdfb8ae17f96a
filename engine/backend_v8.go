//go:build v8

package engine

import (
	"github.com/isorun/isorun/backend"
	"github.com/isorun/isorun/internal/v8iso"
)

// NewBackendFactory returns the V8 isolate factory, selected with the
// "v8" build tag.
func NewBackendFactory(opts backend.EngineOptions) backend.Factory {
	return v8iso.NewFactory(opts)
}
