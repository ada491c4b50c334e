package recorder

import (
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/plate-viewer/internal/plate"
)

const (
	insertPose = `
		INSERT INTO plate_poses (ts, received_at, plate_id, pos_x, pos_y, pos_z, roll, pitch, yaw, height)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	insertIMU = `
		INSERT INTO imu_samples (ts, sensor_ts, plate_id, accel_x, accel_y, accel_z, gyro_x, gyro_y, gyro_z)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
)

// row is one pending insert.
type row interface {
	queue(b *pgx.Batch)
}

type poseRow struct {
	Ts         time.Time
	ReceivedAt int64 // µs since epoch
	PlateID    int
	Position   plate.Vec3
	Angles     plate.Vec3
	Height     float64
}

func (p poseRow) queue(b *pgx.Batch) {
	b.Queue(insertPose, p.Ts, p.ReceivedAt, p.PlateID,
		p.Position[0], p.Position[1], p.Position[2],
		p.Angles[0], p.Angles[1], p.Angles[2],
		p.Height)
}

type imuRow struct {
	Ts       time.Time
	SensorTs int64 // µs since epoch
	PlateID  int
	Accel    plate.Axes
	Gyro     plate.Axes
}

func (i imuRow) queue(b *pgx.Batch) {
	b.Queue(insertIMU, i.Ts, i.SensorTs, i.PlateID,
		i.Accel.X, i.Accel.Y, i.Accel.Z,
		i.Gyro.X, i.Gyro.Y, i.Gyro.Z)
}

// transform flattens a snapshot into rows. Snapshots without a timestamp
// are stamped with the receive time.
func transform(snap *plate.Snapshot, receivedAt time.Time) []row {
	ts := snap.Timestamp.Time
	if ts.IsZero() {
		ts = receivedAt
	}
	ts = ts.UTC()

	rows := make([]row, 0, len(snap.Plates)+len(snap.RawData))
	for _, p := range snap.Plates {
		rows = append(rows, poseRow{
			Ts:         ts,
			ReceivedAt: receivedAt.UnixMicro(),
			PlateID:    p.ID,
			Position:   p.Position,
			Angles:     p.Orientation,
			Height:     p.Height,
		})
	}
	for _, s := range snap.RawData {
		rows = append(rows, imuRow{
			Ts:       ts,
			SensorTs: s.Timestamp,
			PlateID:  s.PlateID,
			Accel:    s.Accel,
			Gyro:     s.Gyro,
		})
	}
	return rows
}
