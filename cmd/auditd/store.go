package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/auditchain/internal/ledger"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// openStore opens the block store named by driver and returns a closer.
func openStore(ctx context.Context, driver string, logger *zap.Logger) (ledger.Store, func(), error) {
	switch driver {
	case "postgres":
		db, err := pgxpool.New(ctx, viper.GetString("database.url"))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("block store: postgres")
		return ledger.NewPostgresStore(db, logger), db.Close, nil

	case "leveldb":
		path := viper.GetString("store.leveldb_path")
		s, err := ledger.OpenLevelDBStore(path, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("block store: leveldb", zap.String("path", path))
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Warn("close leveldb", zap.Error(err))
			}
		}, nil

	case "memory":
		logger.Warn("block store: memory, blocks are lost on restart")
		return ledger.NewMemoryStore(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store.driver %q (want postgres, leveldb or memory)", driver)
	}
}
