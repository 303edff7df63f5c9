package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/Dhoini/Subscription-microservice/pkg/logger"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPostgresPool создает пул соединений с PostgreSQL и проверяет его
func NewPostgresPool(ctx context.Context, dsn string, log *logger.Logger) (*pgxpool.Pool, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(pingCtx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Infow("Database connection established")
	return pool, nil
}
