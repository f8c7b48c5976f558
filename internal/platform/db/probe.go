package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/medscribe/medscribe/internal/platform/sentinel"
)

// Mode is the persistence mode, resolved once at startup.
type Mode int

const (
	// ModeFallback serves every operation from in-memory stores.
	ModeFallback Mode = iota
	// ModeAvailable uses the durable PostgreSQL backend.
	ModeAvailable
)

func (m Mode) String() string {
	if m == ModeAvailable {
		return "available"
	}
	return "fallback"
}

// ProbeConfig controls the startup probe.
type ProbeConfig struct {
	URL      string
	MaxConns int32
	MinConns int32
	Timeout  time.Duration
}

// Probe connects, pings and migrates the durable backend within cfg.Timeout.
// On success it returns the pool and ModeAvailable. On any failure, or when
// no URL is configured, it logs the cause once and returns ModeFallback with
// a nil pool. The result holds for the lifetime of the process.
func Probe(ctx context.Context, cfg ProbeConfig, logger zerolog.Logger) (*pgxpool.Pool, Mode) {
	log := logger.With().Str("component", "db-probe").Logger()

	pool, err := probe(ctx, cfg)
	if err != nil {
		log.Warn().Err(fmt.Errorf("%w: %w", sentinel.ErrBackendUnavailable, err)).
			Msg("database unavailable, running in stateless fallback mode")
		return nil, ModeFallback
	}

	log.Info().Msg("database connected, migrations applied")
	return pool, ModeAvailable
}

func probe(ctx context.Context, cfg ProbeConfig) (*pgxpool.Pool, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := NewPool(ctx, cfg.URL, cfg.MaxConns, cfg.MinConns)
	if err != nil {
		return nil, err
	}

	if err := WithConn(ctx, pool, func(q Querier) error {
		var one int
		return q.QueryRow(ctx, "SELECT 1").Scan(&one)
	}); err != nil {
		pool.Close()
		return nil, fmt.Errorf("select 1: %w", err)
	}

	if _, err := NewMigrator(pool, nil).Up(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return pool, nil
}
