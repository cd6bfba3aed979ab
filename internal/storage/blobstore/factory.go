package blobstore

import (
	"context"
	"fmt"
	"time"

	"custody-gateway/internal/platform/config"
)

// New 依配置建立儲存後端
func New(ctx context.Context, cfg config.BlobStoreConfig) (Store, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "ipfs":
		return NewIPFSStore(cfg.IPFSURL, timeout), nil
	case "s3":
		return NewS3Store(ctx, S3Options{
			Bucket:   cfg.S3.Bucket,
			Region:   cfg.S3.Region,
			Endpoint: cfg.S3.Endpoint,
			Prefix:   cfg.S3.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown blob store backend %q", cfg.Backend)
	}
}
