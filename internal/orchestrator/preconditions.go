package orchestrator

import (
	"context"
	"dockerjobs/internal/apperrors"
	"dockerjobs/internal/engine"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrEngineUnavailable means the container engine did not answer.
	ErrEngineUnavailable = errors.New("container engine unavailable")
	// ErrImageNotFound means the default image is not present on the engine.
	ErrImageNotFound = errors.New("docker image not found")
)

// CheckRequirements verifies the engine is reachable and the default image
// exists locally. Both failures are fatal: images are never pulled.
func CheckRequirements(ctx context.Context, eng engine.Engine, image string, logger *zap.Logger) error {
	info, err := eng.Info(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}
	logger.Info("Connected to container engine",
		zap.String("version", info.ServerVersion),
		zap.String("os", info.OperatingSystem),
		zap.Int("running", info.ContainersRunning))

	exists, err := eng.ImageExists(ctx, image)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}
	if !exists {
		return &apperrors.Error{
			Sentinel: apperrors.ErrPrecondition,
			Message:  fmt.Sprintf("%q docker image does not exist", image),
			Resource: "image",
			Cause:    ErrImageNotFound,
		}
	}
	return nil
}
