package main

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	jobqueue "github.com/d1fmarketing/book-automation-sub010"
	"github.com/d1fmarketing/book-automation-sub010/internal/config"
	"github.com/d1fmarketing/book-automation-sub010/mongodb"
	"github.com/d1fmarketing/book-automation-sub010/mysql"
	"github.com/d1fmarketing/book-automation-sub010/postgres"
	"github.com/d1fmarketing/book-automation-sub010/redis"
	"github.com/d1fmarketing/book-automation-sub010/sqlite"
)

// openStore initializes the store configured in cfg. It returns nil for
// the in-memory store, which is the default of the manager.
func openStore(cfg *config.Config, logger zerolog.Logger) (jobqueue.Store, error) {
	var (
		store jobqueue.Store
		err   error
	)
	switch cfg.Store {
	case "memory":
		return nil, nil
	case "sqlite":
		store, err = sqlite.NewStore(cfg.DSN, sqlite.SetDebug(cfg.StoreDebug), sqlite.SetLogger(logger))
	case "mysql":
		store, err = mysql.NewStore(cfg.DSN, mysql.SetDebug(cfg.StoreDebug), mysql.SetLogger(logger))
	case "postgres":
		store, err = postgres.NewStore(cfg.DSN, postgres.SetDebug(cfg.StoreDebug), postgres.SetLogger(logger))
	case "redis":
		store, err = redis.NewStore(cfg.DSN)
	case "mongodb":
		store, err = mongodb.NewStore(cfg.DSN)
	default:
		return nil, errors.Errorf("unsupported store %q", cfg.Store)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open %s store", cfg.Store)
	}
	logger.Info().Str("store", cfg.Store).Msg("store opened")
	return store, nil
}
