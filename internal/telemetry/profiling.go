package telemetry

import (
	"fmt"
	"log/slog"

	"github.com/grafana/pyroscope-go"
)

// ProfilingConfig enables continuous profiling when ServerAddress is set.
type ProfilingConfig struct {
	ServerAddress string            `mapstructure:"server_address"`
	Tags          map[string]string `mapstructure:"tags"`
}

// StartProfiling starts the pyroscope profiler and returns its stop function.
// It is a no-op when no server address is configured.
func StartProfiling(app string, cfg ProfilingConfig, logger *slog.Logger) (func() error, error) {
	if cfg.ServerAddress == "" {
		return func() error { return nil }, nil
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: app,
		ServerAddress:   cfg.ServerAddress,
		Tags:            cfg.Tags,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("start pyroscope: %w", err)
	}
	logger.Info("profiling enabled", "server", cfg.ServerAddress)
	return profiler.Stop, nil
}
