// Package migrations предоставляет обертку над goose для управления
// схемой PostgreSQL хранилищ саг и DLQ.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var embeddedMigrations embed.FS

// MigrationStatus статус одной миграции
type MigrationStatus struct {
	Version   int64
	Name      string
	AppliedAt *time.Time
	Applied   bool
}

// Migrator применяет миграции схемы из встроенных SQL файлов
type Migrator struct {
	db *sql.DB
}

// NewMigrator создает новый мигратор для указанного DSN
func NewMigrator(dsn string) (*Migrator, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	goose.SetBaseFS(embeddedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set goose dialect: %w", err)
	}

	return &Migrator{db: db}, nil
}

// Close закрывает подключение к базе
func (m *Migrator) Close() error {
	return m.db.Close()
}

// Up применяет все pending миграции
func (m *Migrator) Up() error {
	if err := goose.Up(m.db, "sql"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Down откатывает последнюю примененную миграцию
func (m *Migrator) Down() error {
	if err := goose.Down(m.db, "sql"); err != nil {
		return fmt.Errorf("failed to rollback migration: %w", err)
	}
	return nil
}

// Version возвращает текущую версию схемы
func (m *Migrator) Version() (int64, error) {
	version, err := goose.GetDBVersion(m.db)
	if err != nil {
		return 0, fmt.Errorf("failed to get database version: %w", err)
	}
	return version, nil
}

// Status возвращает статус всех известных миграций
func (m *Migrator) Status() ([]MigrationStatus, error) {
	migrations, err := goose.CollectMigrations("sql", 0, goose.MaxVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to collect migrations: %w", err)
	}

	currentVersion, err := goose.GetDBVersion(m.db)
	if err != nil {
		currentVersion = 0
	}

	statuses := make([]MigrationStatus, 0, len(migrations))
	for _, migration := range migrations {
		statuses = append(statuses, MigrationStatus{
			Version: migration.Version,
			Name:    migration.Source,
			Applied: migration.Version <= currentVersion,
		})
	}
	return statuses, nil
}
