package database

import (
	"database/sql"
	"fmt"

	"coupon-system/internal/config"
	"coupon-system/internal/logger"

	_ "github.com/lib/pq"
)

// DB оборачивает подключение к PostgreSQL.
type DB struct {
	*sql.DB
}

// Connect создает подключение к базе данных и проверяет его.
func Connect(cfg *config.DatabaseConfig, log *logger.Logger) (*DB, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("Successfully connected to database")
	return &DB{DB: sqlDB}, nil
}

// Migrate создаёт таблицы, если их ещё нет.
func (db *DB) Migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS coupons (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			discount_rate INT NOT NULL,
			max_discount_amount INT NOT NULL,
			status TEXT NOT NULL,
			expiration_at TIMESTAMPTZ NOT NULL,
			limit_count INT NOT NULL,
			issued_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS user_coupons (
			id UUID PRIMARY KEY,
			user_id BIGINT NOT NULL,
			coupon_id BIGINT NOT NULL REFERENCES coupons(id),
			status TEXT NOT NULL,
			issued_at TIMESTAMPTZ NOT NULL,
			used_at TIMESTAMPTZ,
			CONSTRAINT user_coupons_user_coupon_unique UNIQUE (user_id, coupon_id)
		);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Health проверяет доступность базы данных.
func (db *DB) Health() error {
	if db == nil || db.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	return db.Ping()
}

// Close закрывает подключение.
func (db *DB) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	return db.DB.Close()
}
