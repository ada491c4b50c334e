package plate

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ProtocolVersion is the only feed version this client understands.
const ProtocolVersion = "1.0"

// Errors
var (
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrInvalidTimestamp   = errors.New("invalid timestamp")
)

// Vec3 is an (x, y, z) triple.
type Vec3 [3]float64

// Axes is a per-axis sensor reading.
type Axes struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Plate is the pose of one plate in a snapshot.
type Plate struct {
	ID          int     `json:"plate_id"`
	Position    Vec3    `json:"position"`    // Centre, mm
	Orientation Vec3    `json:"orientation"` // Radians
	Height      float64 `json:"height"`      // Plate length along its axis, mm
}

// UnmarshalJSON accepts both the server field names (plate_id, position,
// orientation, height) and the older renderer names (index, center, angles, length).
func (p *Plate) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID          *int     `json:"plate_id"`
		Index       *int     `json:"index"`
		Position    *Vec3    `json:"position"`
		Center      *Vec3    `json:"center"`
		Orientation *Vec3    `json:"orientation"`
		Angles      *Vec3    `json:"angles"`
		Height      *float64 `json:"height"`
		Length      *float64 `json:"length"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*p = Plate{}
	switch {
	case raw.ID != nil:
		p.ID = *raw.ID
	case raw.Index != nil:
		p.ID = *raw.Index
	}
	switch {
	case raw.Position != nil:
		p.Position = *raw.Position
	case raw.Center != nil:
		p.Position = *raw.Center
	}
	switch {
	case raw.Orientation != nil:
		p.Orientation = *raw.Orientation
	case raw.Angles != nil:
		p.Orientation = *raw.Angles
	}
	switch {
	case raw.Height != nil:
		p.Height = *raw.Height
	case raw.Length != nil:
		p.Height = *raw.Length
	}
	return nil
}

// IMUSample is one raw sensor reading attached to a snapshot in debug mode.
type IMUSample struct {
	PlateID     int   `json:"plate_id"`
	Position    Vec3  `json:"position"`
	Orientation Vec3  `json:"orientation"`
	Accel       Axes  `json:"accel"`     // m/s²
	Gyro        Axes  `json:"gyro"`      // rad/s
	Timestamp   int64 `json:"timestamp"` // µs since epoch
}

// Timestamp parses ISO 8601 times with or without a zone offset.
// Times without an offset are taken as UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return ErrInvalidTimestamp
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// Snapshot is the complete system state pushed by the feed.
type Snapshot struct {
	Timestamp       Timestamp   `json:"timestamp"`
	Version         string      `json:"version"`
	Plates          []Plate     `json:"plates"`
	PlateBaseHeight float64     `json:"plate_base_height"`
	PlateBaseLength float64     `json:"plate_base_length,omitempty"`
	PlateWidth      float64     `json:"plate_width,omitempty"`
	RawData         []IMUSample `json:"raw_data"`
}
