//go:build nowasmedge

package runtime

import "errors"

// NewWasmEdgeEngine is unavailable in builds tagged nowasmedge.
func NewWasmEdgeEngine() (Engine, error) {
	return nil, errors.New("built without WasmEdge support (nowasmedge)")
}
