package component

import (
	"log/slog"

	"github.com/c360/ratebridge/metric"
)

// Dependencies provides the shared external dependencies components receive
// at construction. Components take what they need and ignore the rest.
type Dependencies struct {
	MetricsRegistry *metric.Registry // Metrics registry (can be nil)
	Logger          *slog.Logger     // Structured logger (nil defaults to slog.Default())
}

// GetLogger returns the configured logger or the process default
func (d *Dependencies) GetLogger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// GetLoggerWithComponent returns a logger configured with component context
func (d *Dependencies) GetLoggerWithComponent(componentName string) *slog.Logger {
	return d.GetLogger().With("component", componentName)
}
