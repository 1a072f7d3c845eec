package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/schrodinger12345/campus-event-glow/internal/config"
	"github.com/schrodinger12345/campus-event-glow/internal/database"
	"github.com/schrodinger12345/campus-event-glow/internal/logger"
	"github.com/schrodinger12345/campus-event-glow/internal/repository"
	"github.com/schrodinger12345/campus-event-glow/internal/repository/bunstore"
	"github.com/schrodinger12345/campus-event-glow/internal/repository/mongostore"
	"github.com/schrodinger12345/campus-event-glow/internal/service"
)

type stores struct {
	events   service.EventStore
	profiles service.ProfileStore
	passes   service.PassStore
	close    func()
}

// openStores connects the configured backend and prepares its schema.
func openStores(ctx context.Context, conf *config.Config, log *slog.Logger) (*stores, error) {
	log = log.With(logger.Module("storage"), slog.String("driver", conf.Storage.Driver))

	switch conf.Storage.Driver {
	case config.DriverPostgres:
		pool, err := database.NewPool(ctx, conf.Storage.Postgres, log)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		if err := database.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("connected to postgresql")
		return &stores{
			events:   repository.NewEventRepository(pool),
			profiles: repository.NewProfileRepository(pool),
			passes:   repository.NewPassRepository(pool),
			close:    pool.Close,
		}, nil

	case config.DriverSQLite:
		db, err := bunstore.Open(conf.Storage.SQLite.Path)
		if err != nil {
			return nil, err
		}
		if err := bunstore.CreateSchema(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
		log.Info("opened sqlite database")
		return &stores{
			events:   bunstore.NewEventRepository(db),
			profiles: bunstore.NewProfileRepository(db),
			passes:   bunstore.NewPassRepository(db),
			close:    func() { _ = db.Close() },
		}, nil

	case config.DriverMongo:
		client, err := mongostore.Connect(ctx, conf.Storage.Mongo)
		if err != nil {
			return nil, err
		}
		db := client.Database(conf.Storage.Mongo.Database)
		if err := mongostore.EnsureIndexes(ctx, db); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, err
		}
		log.Info("connected to mongodb", slog.String("database", conf.Storage.Mongo.Database))
		return &stores{
			events:   mongostore.NewEventRepository(db),
			profiles: mongostore.NewProfileRepository(db),
			passes:   mongostore.NewPassRepository(db),
			close:    func() { _ = client.Disconnect(context.Background()) },
		}, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", conf.Storage.Driver)
}
