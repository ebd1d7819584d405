package db

import (
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmoiron/sqlx"

	"github.com/Mnabil10/fasket-sub001/internal/config"
)

// NewClickHouseConnection opens the analytics connection used for delivery attempt history.
// DSN e.g. clickhouse://default:@localhost:9000/fasket?dial_timeout=5s&compress=true
func NewClickHouseConnection(cfg config.ClickHouseConfig) (*sqlx.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("empty ClickHouse DSN")
	}
	db, err := sqlx.Open("clickhouse", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := tunePool(db, cfg.DatabaseConfig, 3*time.Second); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	return db, nil
}
