package store

import (
	"context"
	"fmt"

	"repricer/internal/core"
)

// Options selects and configures a store backend
type Options struct {
	Driver        string // memory, sqlite or redis
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
}

// Open builds the configured store
func Open(ctx context.Context, opts Options) (core.IPriceStore, error) {
	switch opts.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(opts.SQLitePath)
	case "redis":
		client, err := NewRedisClient(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client, opts.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}
