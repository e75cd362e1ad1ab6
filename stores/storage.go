package stores

import (
	"context"
	"fmt"

	"fleetingfiles/config"
	"fleetingfiles/core"
	"fleetingfiles/presign"
	"fleetingfiles/stores/aws"
	"fleetingfiles/stores/filesystem"
	"fleetingfiles/stores/memory"
	"fleetingfiles/stores/postgres"
	"fleetingfiles/stores/sqlite"

	"github.com/sirupsen/logrus"
)

// GetStore opens the metadata backend selected by cfg.StorageType.
func GetStore(ctx context.Context, cfg *config.Config) (core.MetadataStore, error) {
	storageField := logrus.Fields{
		"storageType": cfg.StorageType,
	}

	var (
		store core.MetadataStore
		err   error
	)
	switch cfg.StorageType {
	case "sqlite":
		storageField["dataSourceName"] = cfg.DataSourceName
		store, err = sqlite.NewStore(cfg.DataSourceName)
	case "postgres":
		store, err = postgres.NewStore(ctx, cfg.DatabaseURL)
	case "memory", "":
		store = memory.NewStore()
		storageField["storageType"] = "in-memory"
	default:
		return nil, fmt.Errorf("%w: unknown storage type %q", core.ErrInvalidInput, cfg.StorageType)
	}
	if err != nil {
		return nil, err
	}

	logrus.WithFields(storageField).Info("Use metadata storage")
	return store, nil
}

// GetObjectStore opens the blob backend selected by cfg.ObjectStoreType.
// Backends that cannot sign their own links use signer and also implement
// core.BlobReader so the blobs handler can serve them.
func GetObjectStore(ctx context.Context, cfg *config.Config, signer *presign.Signer) (core.ObjectStore, error) {
	storageField := logrus.Fields{
		"objectStoreType": cfg.ObjectStoreType,
	}

	var (
		store core.ObjectStore
		err   error
	)
	switch cfg.ObjectStoreType {
	case "s3":
		storageField["bucketName"] = cfg.S3.BucketName
		storageField["region"] = cfg.S3.Region
		store, err = aws.NewStore(ctx, cfg.S3)
	case "filesystem":
		storageField["basePath"] = cfg.LocalStoragePath
		store, err = filesystem.NewStore(cfg.LocalStoragePath, signer)
	case "memory", "":
		store = memory.NewObjectStore(signer)
		storageField["objectStoreType"] = "in-memory"
	default:
		return nil, fmt.Errorf("%w: unknown object store type %q", core.ErrInvalidInput, cfg.ObjectStoreType)
	}
	if err != nil {
		return nil, err
	}

	logrus.WithFields(storageField).Info("Use object storage")
	return store, nil
}
