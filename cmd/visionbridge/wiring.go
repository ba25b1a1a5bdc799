package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/jo-hoe/visionbridge/internal/config"
	"github.com/jo-hoe/visionbridge/internal/inference"
	"github.com/jo-hoe/visionbridge/internal/inference/remote"
	"github.com/jo-hoe/visionbridge/internal/jobs"
)

func newInferenceClient(cfg config.InferenceConfig) inference.Client {
	if cfg.Backend == config.BackendHTTP {
		return remote.New(cfg)
	}
	return inference.New(cfg)
}

func newLogger(w io.Writer, sc config.ServerConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(sc.LogLevel))); err != nil {
		return nil, fmt.Errorf("server.logLevel: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(sc.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// openStore returns the configured job store and, for backends that evict
// on demand, the Sweeper to run. Redis expires keys itself.
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (jobs.Store, jobs.Sweeper, error) {
	policy := jobs.PolicyFor(cfg.Store.Retention)
	switch cfg.Store.Driver {
	case config.DriverMemory:
		s := jobs.NewMemoryStore(policy)
		return s, s, nil
	case config.DriverSQLite:
		s, err := jobs.NewSQLiteStore(cfg.Store.DatabasePath, policy, log)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, s, nil
	case config.DriverRedis:
		rc := cfg.Store.Redis
		client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", rc.Addr, err)
		}
		return jobs.NewRedisStore(client, rc.KeyPrefix, cfg.Store.Retention), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}
