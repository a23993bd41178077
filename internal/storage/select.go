package storage

import (
	"context"
	"fmt"

	"github.com/and161185/shepherd/internal/migrate"
	"github.com/and161185/shepherd/internal/storage/postgres"
	"github.com/and161185/shepherd/internal/storage/redis"
)

// Backend kinds accepted by Open.
const (
	KindFile     = "file"
	KindMemory   = "memory"
	KindNone     = "none"
	KindPostgres = "postgres"
	KindRedis    = "redis"
)

var (
	_ Backend = (*postgres.Store)(nil)
	_ Backend = (*redis.Store)(nil)
)

// Options selects and configures a backend.
type Options struct {
	Kind        string
	Dir         string
	Encrypt     bool
	Namespace   string
	PostgresDSN string
	RedisURL    string
}

// Opened is a selected backend together with its release function.
type Opened struct {
	Backend Backend
	// File is set for the file backend so callers can watch it.
	File  *File
	Close func()
}

// Open chooses the backend once at startup.
func Open(ctx context.Context, o Options) (*Opened, error) {
	nop := func() {}
	switch o.Kind {
	case "", KindFile:
		f, err := OpenFile(o.Dir, o.Encrypt)
		if err != nil {
			return nil, err
		}
		return &Opened{Backend: f, File: f, Close: nop}, nil
	case KindMemory:
		return &Opened{Backend: NewMemory(), Close: nop}, nil
	case KindNone:
		return &Opened{Backend: Noop{}, Close: nop}, nil
	case KindPostgres:
		if err := migrate.Up(ctx, o.PostgresDSN); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		db, err := postgres.New(ctx, o.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return &Opened{Backend: postgres.NewStore(db, o.Namespace), Close: db.Close}, nil
	case KindRedis:
		st, err := redis.Open(ctx, o.RedisURL, o.Namespace)
		if err != nil {
			return nil, err
		}
		return &Opened{Backend: st, Close: func() { _ = st.Close() }}, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", o.Kind)
}
