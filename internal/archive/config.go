package archive

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cpdb/esindex/internal/config"
	"github.com/cpdb/esindex/internal/storage"
)

// FromConfig builds a writer on the configured object store. It returns
// nil when archiving is disabled.
func FromConfig(ctx context.Context, cfg config.ArchiveConfig, logger *zap.SugaredLogger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var store storage.ObjectStorage
	switch cfg.Type {
	case "local":
		local, err := storage.NewLocalStorage(cfg.Path)
		if err != nil {
			return nil, err
		}
		store = local
	case "s3":
		s3, err := storage.NewS3Storage(ctx, cfg.S3.Bucket, storage.S3Config{
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.Endpoint != "",
		})
		if err != nil {
			return nil, err
		}
		store = s3
	default:
		return nil, fmt.Errorf("archive: unknown storage type %q", cfg.Type)
	}
	return NewWriter(store, cfg.Prefix, logger), nil
}
