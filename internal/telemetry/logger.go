// Package telemetry wires up the zap logger shared by the CLI and the
// engine. The library itself only ever requires a *zap.Logger through
// store.Config; this package exists for the one process (cmd/msgstore-
// verify) that needs to build one from scratch.
package telemetry

import "go.uber.org/zap"

// NewLogger returns a production JSON logger, or a development console
// logger when development is true.
func NewLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
