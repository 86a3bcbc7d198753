package stores

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/trungleduc/jupyter-collaboration/config"
	"github.com/trungleduc/jupyter-collaboration/core"
	"github.com/trungleduc/jupyter-collaboration/stores/memory"
	"github.com/trungleduc/jupyter-collaboration/stores/postgres"
	"github.com/trungleduc/jupyter-collaboration/stores/redis"
	"github.com/trungleduc/jupyter-collaboration/stores/sqlite"
)

// GetStore constructs the configured update store backend.
func GetStore(ctx context.Context, cfg config.StorageConfig) (core.UpdateStore, error) {
	storageField := logrus.Fields{
		"backend": cfg.Backend,
	}

	var store core.UpdateStore
	var err error
	switch cfg.Backend {
	case "memory":
		store = memory.NewUpdateStore()
	case "sqlite":
		storageField["dataSourceName"] = cfg.SQLitePath
		store, err = sqlite.NewUpdateStore(cfg.SQLitePath)
	case "postgres":
		store, err = postgres.NewUpdateStore(ctx, cfg.PostgresURL)
	case "redis":
		storageField["addr"] = cfg.RedisAddr
		store, err = redis.NewUpdateStore(ctx, cfg.RedisAddr)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	logrus.WithFields(storageField).Info("Use update store")
	return store, nil
}
