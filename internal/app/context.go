package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"tripgate/internal/config"
	"tripgate/internal/db"
	"tripgate/internal/engine"
	"tripgate/internal/ids"
	"tripgate/internal/logging"
	"tripgate/internal/migrate"
	"tripgate/internal/taskbus"
)

// ResolveConfig loads the explicit config file when given, then the
// workspace tripgate.yml, falling back to built-in defaults.
func ResolveConfig(workspace, configPath string) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.FromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", configPath, err)
		}
		return cfg, nil
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// Runtime bundles the engine with the resources it holds open.
type Runtime struct {
	Engine engine.Engine
	Logger *slog.Logger
	conn   *sql.DB
	bus    taskbus.Publisher
}

// Open wires config, logging, ids, storage and the task bus into an engine.
func Open(ctx context.Context, workspace, configPath string) (*Runtime, error) {
	cfg, err := ResolveConfig(workspace, configPath)
	if err != nil {
		return nil, err
	}
	logger := logging.Setup(cfg)
	if err := ids.Init(cfg.Service.NodeID); err != nil {
		return nil, fmt.Errorf("init ids: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	bus, err := taskbus.Open(ctx, cfg.TaskBus.RedisURL, cfg.TaskBus.Stream, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	e := engine.New(conn, cfg)
	e.Logger = logger
	e.TaskBus = bus
	return &Runtime{Engine: e, Logger: logger, conn: conn, bus: bus}, nil
}

func (r *Runtime) Close() error {
	busErr := r.bus.Close()
	if err := r.conn.Close(); err != nil {
		return err
	}
	return busErr
}
