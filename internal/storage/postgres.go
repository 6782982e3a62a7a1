package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/kirillm/risk-gate/internal/storage/repository"
	_ "github.com/lib/pq"
)

// PostgresStorage является фасадом для работы с PostgreSQL через репозитории
type PostgresStorage struct {
	db        *sql.DB
	positions *repository.PositionRepository
	riskState *repository.RiskStateRepository
}

func NewPostgresStorage(host string, port int, user, password, dbname, sslmode string, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration) (*PostgresStorage, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, password, dbname, sslmode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Настройка connection pool из конфигурации
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	storage := &PostgresStorage{
		db:        db,
		positions: repository.NewPositionRepository(db),
		riskState: repository.NewRiskStateRepository(db),
	}

	// Запускаем миграции
	if err := storage.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return storage, nil
}

func (s *PostgresStorage) migrate() error {
	migrations := []string{
		// Позиции: не более одной открытой позиции на символ
		`CREATE TABLE IF NOT EXISTS positions (
			id SERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(10) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			opened_at TIMESTAMP NOT NULL DEFAULT NOW(),
			closed_at TIMESTAMP,
			exit_price DECIMAL(20, 8),
			realized_pnl DECIMAL(20, 8)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_open_symbol
			ON positions (symbol) WHERE closed_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_positions_opened_at ON positions (opened_at)`,
		// Дневное состояние риска: одна строка на торговый день
		`CREATE TABLE IF NOT EXISTS daily_risk_state (
			trading_date VARCHAR(10) PRIMARY KEY,
			realized_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			kill_switch_active BOOLEAN NOT NULL DEFAULT false,
			kill_switch_reason TEXT NOT NULL DEFAULT '',
			kill_switch_at TIMESTAMP,
			cool_down_until TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Positions возвращает репозиторий позиций
func (s *PostgresStorage) Positions() *repository.PositionRepository {
	return s.positions
}

// RiskState возвращает репозиторий дневного состояния риска
func (s *PostgresStorage) RiskState() *repository.RiskStateRepository {
	return s.riskState
}

// Close закрывает соединение с БД
func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
