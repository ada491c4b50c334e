// Package recorder persists plate poses from the feed into TimescaleDB.
//
// The recorder subscribes to message events, flattens each snapshot into
// plate_poses rows (plus imu_samples rows when raw data is present) and
// writes them in batches. It never blocks the event loop: rows are queued
// in a bounded buffer and dropped when the buffer is full.
package recorder
