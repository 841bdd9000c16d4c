// Package adapter implements C3: the polymorphic EngineAdapter layer that
// starts, stops, and process-probes engine instances, one per managed
// model.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gpuctl/core/internal/types"
)

// Sentinel AdapterErrors (spec.md §7).
var (
	ErrStartTimeout   = errors.New("adapter: start timeout")
	ErrStartFailed    = errors.New("adapter: start failed")
	ErrStopFailed     = errors.New("adapter: stop failed")
	ErrImagePullFailed = errors.New("adapter: image pull failed")
	ErrBinaryMissing  = errors.New("adapter: binary missing")
	ErrUnknownModel   = errors.New("adapter: unknown model")
)

// ValidationResult is the outcome of Validate.
type ValidationResult struct {
	OK     bool
	Errors []string
}

// StartResult is the outcome of Start.
type StartResult struct {
	OK          bool
	EndpointURL string
	Err         error
}

// EngineAdapter is the shared contract for ProcessEngine and
// ContainerEngine (spec.md §4.3).
type EngineAdapter interface {
	Validate(cfg types.ModelConfig) ValidationResult
	Start(ctx context.Context, cfg types.ModelConfig) StartResult
	Stop(ctx context.Context, modelID types.ModelID) error
	Probe(ctx context.Context, modelID types.ModelID) bool
	Endpoint(modelID types.ModelID) (string, bool)
}

// ReadyTimeouts are the variant-specific startup readiness budgets
// (spec.md §4.3).
const (
	ProcessReadyTimeout   = 30 * time.Second
	ContainerReadyTimeout = 120 * time.Second
	GracefulStopTimeout   = 10 * time.Second
)

func validatePort(raw string) error {
	var port int
	if _, err := fmt.Sscanf(raw, "%d", &port); err != nil {
		return fmt.Errorf("parameters.port must be numeric: %w", err)
	}
	if port < 1024 || port > 65535 {
		return fmt.Errorf("parameters.port %d out of range [1024, 65535]", port)
	}
	return nil
}
