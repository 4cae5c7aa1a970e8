package remote

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/driveops/garch/internal/config"
	"github.com/driveops/garch/internal/util"
)

// New builds the configured backend client.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (Client, error) {
	retry := util.Policy{
		Attempts: cfg.Transfer.RetryCount,
		Backoff:  cfg.Transfer.RetryBackoff,
		MaxDelay: cfg.Transfer.RetryMax,
	}
	switch cfg.Remote.Backend {
	case "drive", "":
		return NewDrive(ctx, cfg.Auth, cfg.Remote.Drive, cfg.Transfer.ChunkSize, retry, log)
	case "s3":
		return NewS3(cfg.Remote.S3)
	case "local":
		if cfg.Remote.Local.Path == "" {
			return nil, fmt.Errorf("local remote path is required")
		}
		return NewLocal(cfg.Remote.Local.Path), nil
	default:
		return nil, fmt.Errorf("unsupported remote backend: %s", cfg.Remote.Backend)
	}
}
