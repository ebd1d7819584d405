package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Mnabil10/fasket-sub001/internal/db"
)

var migrationsDir string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations (dev: DROP & CREATE tables)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer sqlDB.Close()

		// the MySQL file holds several statements; the DSN enables multiStatements
		sqlBytes, err := readMigration("001_init.sql")
		if err != nil {
			return err
		}
		if _, err := sqlDB.Exec(string(sqlBytes)); err != nil {
			return fmt.Errorf("exec mysql migration: %w", err)
		}
		fmt.Println(">> MySQL migration complete")

		if !cfg.ClickHouse.Enabled {
			return nil
		}
		chDB, err := db.NewClickHouseConnection(cfg.ClickHouse)
		if err != nil {
			return fmt.Errorf("open clickhouse: %w", err)
		}
		defer chDB.Close()

		chBytes, err := readMigration(filepath.Join("clickhouse", "001_attempts.sql"))
		if err != nil {
			return err
		}
		if _, err := chDB.Exec(string(chBytes)); err != nil {
			return fmt.Errorf("exec clickhouse migration: %w", err)
		}
		fmt.Println(">> ClickHouse migration complete")
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrationsDir, "dir", "migrations", "directory holding the SQL migrations")
}

func readMigration(name string) ([]byte, error) {
	path := filepath.Join(migrationsDir, name)
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read migration file %s: %w", path, err)
	}
	return b, nil
}
