package main

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/p2panda/node/internal/config"
	"github.com/p2panda/node/internal/database"
	"github.com/p2panda/node/internal/logging"
	"github.com/p2panda/node/internal/materializer"
	"github.com/p2panda/node/internal/schema"
	"github.com/p2panda/node/internal/store"
)

// nodeServices bundles the storage backed services shared by the subcommands.
type nodeServices struct {
	config       config.AppConfig
	logger       *zap.Logger
	db           *gorm.DB
	store        *store.Store
	schemas      *schema.Registry
	materializer *materializer.Materializer
}

func openNode(ctx context.Context, appConfig config.AppConfig) (*nodeServices, error) {
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return nil, err
	}

	entryStore, err := store.NewStore(store.Config{Database: db, Clock: time.Now})
	if err != nil {
		return nil, err
	}
	registry, err := schema.NewRegistry(schema.RegistryConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return nil, err
	}
	for _, definition := range appConfig.Schemas {
		if _, err := registry.Register(ctx, definition); err != nil {
			return nil, err
		}
	}
	projections, err := materializer.New(materializer.Config{
		Database: db,
		Schemas:  registry,
		Entries:  entryStore,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &nodeServices{
		config:       appConfig,
		logger:       logger,
		db:           db,
		store:        entryStore,
		schemas:      registry,
		materializer: projections,
	}, nil
}

func (n *nodeServices) Close() {
	if sqlDB, err := n.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = n.logger.Sync()
}
