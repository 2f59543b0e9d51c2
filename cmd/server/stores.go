package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/tokenauth/internal/authkit"
	"github.com/tyemirov/tokenauth/internal/authkitpg"
	"github.com/tyemirov/tokenauth/internal/web"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const databaseDriverGorm = "gorm"

var errUnknownDatabaseDriver = errors.New("config.invalid_database_driver")

// storeBundle holds the storage backends chosen from configuration.
type storeBundle struct {
	Revocations authkit.RevocationStore
	Users       authkit.UserDirectory
	closers     []func()
}

// Close releases every opened backend in reverse order.
func (bundle *storeBundle) Close() {
	for index := len(bundle.closers) - 1; index >= 0; index-- {
		bundle.closers[index]()
	}
	bundle.closers = nil
}

// openStores selects the revocation store and user directory.
// Redis wins for revocations when configured; otherwise database_url decides, falling back to memory.
func openStores(ctx context.Context, logger *zap.Logger) (*storeBundle, error) {
	bundle := &storeBundle{}
	databaseURL := strings.TrimSpace(viper.GetString("database_url"))
	redisURL := strings.TrimSpace(viper.GetString("redis_url"))
	databaseDriver := strings.ToLower(strings.TrimSpace(viper.GetString("database_driver")))
	if databaseDriver != "" && databaseDriver != databaseDriverGorm {
		return nil, fmt.Errorf("%w: %s", errUnknownDatabaseDriver, databaseDriver)
	}

	var gormDB *gorm.DB
	var gormDriver string
	if databaseURL != "" {
		opened, driverLabel, openErr := authkit.OpenDatabase(databaseURL)
		if openErr != nil {
			return nil, openErr
		}
		gormDB, gormDriver = opened, driverLabel
		bundle.closers = append(bundle.closers, func() {
			if sqlDB, sqlErr := opened.DB(); sqlErr == nil {
				_ = sqlDB.Close()
			}
		})
		users, usersErr := web.NewGormUsers(ctx, gormDB)
		if usersErr != nil {
			bundle.Close()
			return nil, usersErr
		}
		bundle.Users = users
		logger.Info("using persistent user directory", zap.String("driver", gormDriver))
	} else {
		bundle.Users = web.NewInMemoryUsers()
		logger.Info("using in-memory user directory")
	}

	switch {
	case redisURL != "":
		redisStore, redisErr := authkit.NewRedisRevocationStoreFromURL(ctx, redisURL)
		if redisErr != nil {
			bundle.Close()
			return nil, redisErr
		}
		bundle.closers = append(bundle.closers, func() { _ = redisStore.Close() })
		bundle.Revocations = redisStore
		logger.Info("using redis revocation store")
	case gormDB != nil && gormDriver == "postgres" && databaseDriver != databaseDriverGorm:
		pool, poolErr := authkitpg.BuildPool(ctx, databaseURL)
		if poolErr != nil {
			bundle.Close()
			return nil, poolErr
		}
		bundle.closers = append(bundle.closers, pool.Close)
		if schemaErr := authkitpg.EnsureSchema(ctx, pool); schemaErr != nil {
			bundle.Close()
			return nil, schemaErr
		}
		bundle.Revocations = authkitpg.NewPostgresRevocationStore(pool)
		logger.Info("using pgx revocation store")
	case gormDB != nil:
		databaseStore, storeErr := authkit.NewDatabaseRevocationStore(ctx, gormDB, gormDriver)
		if storeErr != nil {
			bundle.Close()
			return nil, storeErr
		}
		bundle.Revocations = databaseStore
		logger.Info("using gorm revocation store", zap.String("driver", databaseStore.Driver()))
	default:
		bundle.Revocations = authkit.NewMemoryRevocationStore()
		logger.Info("using in-memory revocation store")
	}
	return bundle, nil
}

func newPruneCommand() *cobra.Command {
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete revocation entries whose tokens have already expired",
		RunE:  runPrune,
	}
	pruneCmd.Flags().Duration("grace", 0, "Keep entries that expired less than this long ago")
	_ = viper.BindPFlag("prune_grace", pruneCmd.Flags().Lookup("grace"))
	return pruneCmd
}

func runPrune(command *cobra.Command, arguments []string) error {
	logger, loggerErr := buildLogger()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	ctx := command.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	stores, storesErr := openStores(ctx, logger)
	if storesErr != nil {
		return storesErr
	}
	defer stores.Close()

	timeout := viper.GetDuration("revocation_timeout")
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	pruneCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cutoff := time.Now().UTC().Add(-viper.GetDuration("prune_grace"))
	removed, pruneErr := stores.Revocations.Prune(pruneCtx, cutoff)
	if pruneErr != nil {
		logger.Error("revocation prune failed",
			zap.String("code", "prune.failed"),
			zap.Error(pruneErr))
		return pruneErr
	}
	logger.Info("revocation prune complete",
		zap.Int64("removed", removed),
		zap.Time("cutoff", cutoff))
	return nil
}
