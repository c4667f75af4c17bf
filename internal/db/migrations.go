package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`,
	`CREATE TABLE IF NOT EXISTS trigger_patterns (
		id          BIGSERIAL PRIMARY KEY,
		operation   TEXT NOT NULL,
		pattern     TEXT NOT NULL,
		position    INT NOT NULL DEFAULT 0,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_trigger_patterns_operation_pattern ON trigger_patterns(operation, pattern);`,
	`CREATE TABLE IF NOT EXISTS pipeline_runs (
		id            UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		device_id     TEXT NOT NULL,
		state         TEXT NOT NULL,
		events        INT NOT NULL DEFAULT 0,
		event_counts  JSONB,
		error         TEXT,
		started_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		finished_at   TIMESTAMPTZ
	);`,
	`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_device_id ON pipeline_runs(device_id);`,
	`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started_at ON pipeline_runs(started_at);`,
	`DO $$
	BEGIN
		IF NOT EXISTS (SELECT 1 FROM trigger_patterns) THEN
			INSERT INTO trigger_patterns (operation, pattern, position) VALUES
				('vehicle_number', '车号确认', 0),
				('vehicle_number', '车号核对', 1),
				('vehicle_number', '确认车号', 2),
				('vehicle_number', '核对车号', 3),
				('anti_rolling', '铁鞋设置', 0),
				('anti_rolling', '手闸拧紧', 1),
				('anti_rolling', '防遛设置', 2),
				('anti_rolling', '设置防遛', 3),
				('remove_rolling', '铁鞋撤除', 0),
				('remove_rolling', '手闸松开', 1),
				('remove_rolling', '撤除防遛', 2),
				('remove_rolling', '松开手闸', 3);
		END IF;
	END
	$$;`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
