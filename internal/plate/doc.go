// Package plate defines the plate pose feed format and the in-memory scene
// state built from it.
//
// Conventions:
//   - Positions and lengths: millimetres
//   - Orientation: Euler angles in radians (roll, pitch, yaw)
//   - IMU timestamps: int64 microseconds since Unix epoch
//
// Snapshots carry a protocol version; only ProtocolVersion is accepted.
package plate
