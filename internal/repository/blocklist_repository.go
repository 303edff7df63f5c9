package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Dhoini/Subscription-microservice/internal/domain"
	"github.com/Dhoini/Subscription-microservice/pkg/logger"
)

// BlocklistRepository интерфейс черного списка внешних идентификаторов.
// Запись переживает удаление строки подписки — ключом служит identity,
// а не id подписки.
type BlocklistRepository interface {
	// Add добавляет идентификатор в список; повторное добавление не ошибка
	Add(ctx context.Context, identity, reason string) error
	Remove(ctx context.Context, identity string) error
	IsBlocked(ctx context.Context, identity string) (bool, error)
	List(ctx context.Context) ([]domain.BlockedIdentity, error)
}

// InMemoryBlocklistRepository реализация черного списка в памяти
type InMemoryBlocklistRepository struct {
	mu      sync.RWMutex
	blocked map[string]domain.BlockedIdentity
	log     *logger.Logger
}

// NewInMemoryBlocklistRepository создает новый черный список в памяти
func NewInMemoryBlocklistRepository(log *logger.Logger) *InMemoryBlocklistRepository {
	return &InMemoryBlocklistRepository{
		blocked: make(map[string]domain.BlockedIdentity),
		log:     log,
	}
}

func (r *InMemoryBlocklistRepository) Add(ctx context.Context, identity, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.blocked[identity]; ok {
		return nil
	}
	r.blocked[identity] = domain.BlockedIdentity{
		Identity:  identity,
		Reason:    reason,
		CreatedAt: time.Now(),
	}
	return nil
}

func (r *InMemoryBlocklistRepository) Remove(ctx context.Context, identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.blocked[identity]; !ok {
		return ErrNotFound
	}
	delete(r.blocked, identity)
	return nil
}

func (r *InMemoryBlocklistRepository) IsBlocked(ctx context.Context, identity string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.blocked[identity]
	return ok, nil
}

func (r *InMemoryBlocklistRepository) List(ctx context.Context) ([]domain.BlockedIdentity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]domain.BlockedIdentity, 0, len(r.blocked))
	for _, entry := range r.blocked {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Identity < entries[j].Identity })
	return entries, nil
}

// PostgresBlocklistRepository реализация черного списка через PostgreSQL
type PostgresBlocklistRepository struct {
	db  *pgxpool.Pool
	log *logger.Logger
}

// NewPostgresBlocklistRepository создает новый черный список через PostgreSQL
func NewPostgresBlocklistRepository(db *pgxpool.Pool, log *logger.Logger) *PostgresBlocklistRepository {
	return &PostgresBlocklistRepository{
		db:  db,
		log: log,
	}
}

func (r *PostgresBlocklistRepository) Add(ctx context.Context, identity, reason string) error {
	query := `
		INSERT INTO blocked_identities (identity, reason, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (identity) DO NOTHING
	`

	if _, err := r.db.Exec(ctx, query, identity, reason); err != nil {
		return fmt.Errorf("failed to add blocked identity: %w", err)
	}
	return nil
}

func (r *PostgresBlocklistRepository) Remove(ctx context.Context, identity string) error {
	result, err := r.db.Exec(ctx, `DELETE FROM blocked_identities WHERE identity = $1`, identity)
	if err != nil {
		return fmt.Errorf("failed to remove blocked identity: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresBlocklistRepository) IsBlocked(ctx context.Context, identity string) (bool, error) {
	var blocked bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM blocked_identities WHERE identity = $1)`, identity).Scan(&blocked)
	if err != nil {
		return false, fmt.Errorf("failed to check blocked identity: %w", err)
	}
	return blocked, nil
}

func (r *PostgresBlocklistRepository) List(ctx context.Context) ([]domain.BlockedIdentity, error) {
	rows, err := r.db.Query(ctx, `SELECT identity, reason, created_at FROM blocked_identities ORDER BY identity`)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked identities: %w", err)
	}
	defer rows.Close()

	var entries []domain.BlockedIdentity
	for rows.Next() {
		var entry domain.BlockedIdentity
		if err := rows.Scan(&entry.Identity, &entry.Reason, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan blocked identity: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blocked identities: %w", err)
	}
	return entries, nil
}
