package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/INLOpen/regionstore/config"
	"github.com/INLOpen/regionstore/objectstore"
	"github.com/INLOpen/regionstore/objectstore/minio"
	"github.com/INLOpen/regionstore/objectstore/s3"
)

// localStoreDir is the object store root under the data directory for the
// "local" storage type.
const localStoreDir = "store"

// NewObjectStore builds the object store selected by cfg.Type.
func NewObjectStore(ctx context.Context, cfg config.StorageConfig) (objectstore.ObjectStore, error) {
	switch cfg.Type {
	case "", "local":
		return objectstore.NewLocalStore(filepath.Join(cfg.DataDir, localStoreDir))
	case "memory":
		return objectstore.NewMemoryStore(), nil
	case "s3":
		return s3.Connect(ctx, s3.Options{
			Bucket:       cfg.S3.Bucket,
			Prefix:       cfg.S3.Prefix,
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.UsePathStyle,
			PartSize:     cfg.S3.PartSize,
		})
	case "minio":
		return minio.Connect(ctx, minio.Options{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			UseSSL:    cfg.Minio.UseSSL,
			Bucket:    cfg.Minio.Bucket,
			Prefix:    cfg.Minio.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
