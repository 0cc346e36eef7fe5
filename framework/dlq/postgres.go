// Package dlq предоставляет PostgreSQL реализацию Store.
package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/akriventsev/anchor/framework/core"
)

// PostgresConfig конфигурация PostgreSQL хранилища DLQ
type PostgresConfig struct {
	DSN       string
	TableName string
	Config    Config
}

// Validate проверяет корректность конфигурации
func (c PostgresConfig) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("DSN cannot be empty")
	}
	if c.TableName == "" {
		return fmt.Errorf("TableName cannot be empty")
	}
	return c.Config.Validate()
}

// DefaultPostgresConfig возвращает конфигурацию PostgreSQL по умолчанию
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		TableName: "failed_events",
		Config:    DefaultConfig(),
	}
}

// PostgresStore durable реализация Store поверх PostgreSQL.
// Claim выполняется атомарным UPDATE с проверкой статуса, поэтому
// несколько планировщиков в разных процессах не захватят одну запись.
type PostgresStore struct {
	config  PostgresConfig
	backoff Backoff
	pool    *pgxpool.Pool
}

// NewPostgresStore создает новое PostgreSQL хранилище DLQ
func NewPostgresStore(ctx context.Context, config PostgresConfig) (*PostgresStore, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid postgres dlq config: %w", err)
	}

	pool, err := pgxpool.New(ctx, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	return &PostgresStore{
		config:  config,
		backoff: config.Config.Backoff(),
		pool:    pool,
	}, nil
}

// Close закрывает пул подключений
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Name возвращает имя компонента (реализация core.Component)
func (s *PostgresStore) Name() string {
	return "dlq-store"
}

// Type возвращает тип компонента (реализация core.Component)
func (s *PostgresStore) Type() core.ComponentType {
	return core.ComponentTypeStore
}

// HealthCheck проверяет доступность базы (реализация core.HealthCheckable)
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Enqueue(ctx context.Context, eventType string, payload []byte, lastError string) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, event_type, payload, last_error, attempts, next_retry_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, NOW(), $5, NOW(), NOW())
	`, s.config.TableName)

	_, err := s.pool.Exec(ctx, query, uuid.New().String(), eventType, payload, lastError, string(StatusPending))
	if err != nil {
		return fmt.Errorf("failed to enqueue failed event: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEventsReadyForRetry(ctx context.Context, limit int) ([]FailedEvent, error) {
	query := fmt.Sprintf(`
		SELECT id, event_type, payload, last_error, attempts, next_retry_at, status, created_at, updated_at
		FROM %s
		WHERE status = $1 AND next_retry_at <= NOW()
		ORDER BY next_retry_at ASC
		LIMIT $2
	`, s.config.TableName)

	rows, err := s.pool.Query(ctx, query, string(StatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ready events: %w", err)
	}
	defer rows.Close()

	var events []FailedEvent
	for rows.Next() {
		var event FailedEvent
		var status string
		if err := rows.Scan(&event.ID, &event.EventType, &event.Payload, &event.LastError,
			&event.Attempts, &event.NextRetryAt, &status, &event.CreatedAt, &event.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan failed event: %w", err)
		}
		event.Status = FailedEventStatus(status)
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *PostgresStore) Claim(ctx context.Context, id string) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, s.config.TableName)

	tag, err := s.pool.Exec(ctx, query, string(StatusRetrying), id, string(StatusPending))
	if err != nil {
		return false, fmt.Errorf("failed to claim event %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) MarkAsFailed(ctx context.Context, id string, lastError string) (FailedEventStatus, error) {
	attempts, err := s.currentAttempts(ctx, id)
	if err != nil {
		return "", err
	}

	attempts++
	if attempts >= s.config.Config.MaxRetries {
		query := fmt.Sprintf(`
			UPDATE %s SET status = $1, attempts = $2, last_error = $3, updated_at = NOW()
			WHERE id = $4
		`, s.config.TableName)
		if _, err := s.pool.Exec(ctx, query, string(StatusExhausted), attempts, lastError, id); err != nil {
			return "", fmt.Errorf("failed to mark event %s exhausted: %w", id, err)
		}
		return StatusExhausted, nil
	}

	nextRetryAt := s.backoff.NextRetryAt(time.Now().UTC(), attempts)
	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, attempts = $2, last_error = $3, next_retry_at = $4, updated_at = NOW()
		WHERE id = $5
	`, s.config.TableName)
	if _, err := s.pool.Exec(ctx, query, string(StatusPending), attempts, lastError, nextRetryAt, id); err != nil {
		return "", fmt.Errorf("failed to reschedule event %s: %w", id, err)
	}
	return StatusPending, nil
}

func (s *PostgresStore) Remove(ctx context.Context, id string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, updated_at = NOW() WHERE id = $2
	`, s.config.TableName)

	tag, err := s.pool.Exec(ctx, query, string(StatusResolved), id)
	if err != nil {
		return fmt.Errorf("failed to resolve event %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return core.NewError(core.ErrNotFound, "failed event "+id+" not found")
	}
	return nil
}

func (s *PostgresStore) GetStats(ctx context.Context) (Stats, error) {
	query := fmt.Sprintf(`
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = $1),
			COUNT(*) FILTER (WHERE status = $1 AND next_retry_at <= NOW()),
			COUNT(*) FILTER (WHERE status = $2),
			COUNT(*) FILTER (WHERE status = $3)
		FROM %s
	`, s.config.TableName)

	var stats Stats
	err := s.pool.QueryRow(ctx, query,
		string(StatusPending), string(StatusExhausted), string(StatusResolved)).
		Scan(&stats.Total, &stats.Pending, &stats.ReadyForRetry, &stats.Exhausted, &stats.Resolved)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to query dlq stats: %w", err)
	}
	return stats, nil
}

// currentAttempts читает текущее число попыток записи
func (s *PostgresStore) currentAttempts(ctx context.Context, id string) (int, error) {
	query := fmt.Sprintf(`SELECT attempts FROM %s WHERE id = $1`, s.config.TableName)

	var attempts int
	err := s.pool.QueryRow(ctx, query, id).Scan(&attempts)
	if err == pgx.ErrNoRows {
		return 0, core.NewError(core.ErrNotFound, "failed event "+id+" not found")
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read attempts for event %s: %w", id, err)
	}
	return attempts, nil
}
