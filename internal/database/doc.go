// Package database provides the TimescaleDB connection pool and schema used
// by the pose recorder.
//
// Tables:
//   - plate_poses: one row per plate per snapshot
//   - imu_samples: raw sensor readings, present only when the feed sends raw data
package database
