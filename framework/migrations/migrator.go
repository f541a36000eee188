// Package migrations предоставляет обертку над goose для управления
// схемой базы данных оркестратора и event store.
package migrations

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/frankenstein/sagakit/framework/core"
)

// Status статус одной миграции
type Status struct {
	Version   int64
	Name      string
	AppliedAt *time.Time
	Applied   bool
}

// Open открывает соединение для миграций через драйвер pgx
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, core.Wrap(err, core.ErrInvalidConfig, "failed to open database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, core.Wrap(err, core.ErrUnavailable, "failed to ping database")
	}
	return db, nil
}

// Up применяет все ожидающие миграции из директории
func Up(db *sql.DB, dir string) error {
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// UpTo применяет миграции до указанной версии включительно
func UpTo(db *sql.DB, dir string, version int64) error {
	if err := goose.UpTo(db, dir, version); err != nil {
		return fmt.Errorf("failed to apply migrations up to %d: %w", version, err)
	}
	return nil
}

// Down откатывает последнюю примененную миграцию
func Down(db *sql.DB, dir string) error {
	if err := goose.Down(db, dir); err != nil {
		return fmt.Errorf("failed to rollback migration: %w", err)
	}
	return nil
}

// Version возвращает текущую версию схемы
func Version(db *sql.DB) (int64, error) {
	version, err := goose.GetDBVersion(db)
	if err != nil {
		return 0, fmt.Errorf("failed to get database version: %w", err)
	}
	return version, nil
}

// List возвращает статус всех миграций директории
func List(db *sql.DB, dir string) ([]Status, error) {
	migrations, err := goose.CollectMigrations(dir, 0, goose.MaxVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to collect migrations: %w", err)
	}

	current, err := goose.GetDBVersion(db)
	if err != nil {
		current = 0
	}

	result := make([]Status, 0, len(migrations))
	for _, migration := range migrations {
		result = append(result, Status{
			Version: migration.Version,
			Name:    migration.Source,
			Applied: migration.Version <= current,
		})
	}
	return result, nil
}
