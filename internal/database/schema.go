package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer runs a statement. *pgxpool.Pool satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS plate_poses (
		ts          TIMESTAMPTZ      NOT NULL,
		received_at BIGINT           NOT NULL,
		plate_id    INTEGER          NOT NULL,
		pos_x       DOUBLE PRECISION NOT NULL,
		pos_y       DOUBLE PRECISION NOT NULL,
		pos_z       DOUBLE PRECISION NOT NULL,
		roll        DOUBLE PRECISION NOT NULL,
		pitch       DOUBLE PRECISION NOT NULL,
		yaw         DOUBLE PRECISION NOT NULL,
		height      DOUBLE PRECISION NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS imu_samples (
		ts          TIMESTAMPTZ      NOT NULL,
		sensor_ts   BIGINT           NOT NULL,
		plate_id    INTEGER          NOT NULL,
		accel_x     DOUBLE PRECISION NOT NULL,
		accel_y     DOUBLE PRECISION NOT NULL,
		accel_z     DOUBLE PRECISION NOT NULL,
		gyro_x      DOUBLE PRECISION NOT NULL,
		gyro_y      DOUBLE PRECISION NOT NULL,
		gyro_z      DOUBLE PRECISION NOT NULL
	)`,
}

var hypertableStatements = []string{
	`SELECT create_hypertable('plate_poses', 'ts', if_not_exists => TRUE)`,
	`SELECT create_hypertable('imu_samples', 'ts', if_not_exists => TRUE)`,
}

// EnsureSchema creates the recorder tables if they are missing. Hypertable
// conversion is attempted but only logged on failure, so plain PostgreSQL works.
func EnsureSchema(ctx context.Context, db Execer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	for _, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	for _, stmt := range hypertableStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			logger.Warn("hypertable not created, continuing with plain table", "error", err)
			return nil
		}
	}

	return nil
}
