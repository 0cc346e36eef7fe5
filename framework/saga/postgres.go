package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/akriventsev/anchor/framework/core"
)

// PostgresConfig конфигурация PostgreSQL хранилища саг
type PostgresConfig struct {
	DSN       string
	TableName string
}

// Validate проверяет корректность конфигурации
func (c PostgresConfig) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("DSN cannot be empty")
	}
	if c.TableName == "" {
		return fmt.Errorf("TableName cannot be empty")
	}
	return nil
}

// DefaultPostgresConfig возвращает конфигурацию PostgreSQL по умолчанию
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		TableName: "sagas",
	}
}

// PostgresPersistence durable реализация Persistence поверх PostgreSQL.
// Сага хранится одной строкой, шаги - JSONB колонкой, поэтому каждая
// мутация остается записью одной строки. Уникальность активного
// correlation key обеспечивает частичный уникальный индекс.
type PostgresPersistence struct {
	config PostgresConfig
	pool   *pgxpool.Pool
}

// NewPostgresPersistence создает новое PostgreSQL хранилище саг
func NewPostgresPersistence(ctx context.Context, config PostgresConfig) (*PostgresPersistence, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid postgres saga config: %w", err)
	}

	pool, err := pgxpool.New(ctx, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	return &PostgresPersistence{
		config: config,
		pool:   pool,
	}, nil
}

// Close закрывает пул подключений
func (p *PostgresPersistence) Close() {
	p.pool.Close()
}

// HealthCheck проверяет доступность базы (реализация core.HealthCheckable)
func (p *PostgresPersistence) HealthCheck(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresPersistence) Save(ctx context.Context, saga *Saga) error {
	steps, err := json.Marshal(saga.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal saga steps: %w", err)
	}

	var completedAt *time.Time
	if !saga.CompletedAt.IsZero() {
		completedAt = &saga.CompletedAt
	}

	if saga.Version == 0 {
		query := fmt.Sprintf(`
			INSERT INTO %s (id, correlation_key, status, steps, timeout_ms, started_at, completed_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
		`, p.config.TableName)

		_, err = p.pool.Exec(ctx, query,
			saga.ID, saga.CorrelationKey, string(saga.Status), steps,
			saga.Timeout.Milliseconds(), saga.StartedAt, completedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return core.Wrap(err, core.ErrAlreadyExists,
					"active saga already exists for correlation key "+saga.CorrelationKey)
			}
			return fmt.Errorf("failed to save saga: %w", err)
		}
		saga.Version = 1
		return nil
	}

	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, steps = $2, completed_at = $3, version = version + 1
		WHERE id = $4 AND version = $5
	`, p.config.TableName)

	tag, err := p.pool.Exec(ctx, query,
		string(saga.Status), steps, completedAt, saga.ID, saga.Version)
	if err != nil {
		return fmt.Errorf("failed to save saga: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.NewError(core.ErrConflict, "saga "+saga.ID+" was modified concurrently")
	}
	saga.Version++
	return nil
}

func (p *PostgresPersistence) GetByID(ctx context.Context, id string) (*Saga, error) {
	query := fmt.Sprintf(`
		SELECT id, correlation_key, status, steps, timeout_ms, started_at, completed_at, version
		FROM %s WHERE id = $1
	`, p.config.TableName)

	saga, err := p.scanSaga(p.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.NewError(core.ErrNotFound, "saga "+id+" not found")
	}
	return saga, err
}

func (p *PostgresPersistence) FindActiveByCorrelationKey(ctx context.Context, key string) (*Saga, error) {
	query := fmt.Sprintf(`
		SELECT id, correlation_key, status, steps, timeout_ms, started_at, completed_at, version
		FROM %s
		WHERE correlation_key = $1 AND status NOT IN ($2, $3, $4)
		LIMIT 1
	`, p.config.TableName)

	saga, err := p.scanSaga(p.pool.QueryRow(ctx, query, key,
		string(StatusCompleted), string(StatusCompensated), string(StatusFailed)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return saga, err
}

func (p *PostgresPersistence) FindExpired(ctx context.Context, now time.Time) ([]*Saga, error) {
	query := fmt.Sprintf(`
		SELECT id, correlation_key, status, steps, timeout_ms, started_at, completed_at, version
		FROM %s
		WHERE status = $1 AND timeout_ms > 0
		  AND started_at + timeout_ms * interval '1 millisecond' < $2
	`, p.config.TableName)

	rows, err := p.pool.Query(ctx, query, string(StatusRunning), now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired sagas: %w", err)
	}
	defer rows.Close()

	var sagas []*Saga
	for rows.Next() {
		saga, err := p.scanSaga(rows)
		if err != nil {
			return nil, err
		}
		sagas = append(sagas, saga)
	}
	return sagas, rows.Err()
}

func (p *PostgresPersistence) CompareAndSwapStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, version = version + 1
		WHERE id = $2 AND status = $3
	`, p.config.TableName)

	tag, err := p.pool.Exec(ctx, query, string(to), id, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to swap saga status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// scanSaga восстанавливает сагу из строки результата
func (p *PostgresPersistence) scanSaga(row pgx.Row) (*Saga, error) {
	var saga Saga
	var status string
	var steps []byte
	var timeoutMs int64
	var completedAt *time.Time

	err := row.Scan(&saga.ID, &saga.CorrelationKey, &status, &steps,
		&timeoutMs, &saga.StartedAt, &completedAt, &saga.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan saga: %w", err)
	}

	saga.Status = Status(status)
	saga.Timeout = time.Duration(timeoutMs) * time.Millisecond
	if completedAt != nil {
		saga.CompletedAt = *completedAt
	}
	if err := json.Unmarshal(steps, &saga.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal saga steps: %w", err)
	}
	return &saga, nil
}
