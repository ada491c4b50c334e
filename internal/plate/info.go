package plate

import (
	"fmt"
	"math"
	"strings"
)

// FormatInfo renders the info panel for a snapshot as plain text.
//
//	Base size: 100.0x20.0 mm
//	Plate 1:
//	  Position: (0.0, 10.0, 0.0) mm
//	  Angles: (0.0, 90.0, 0.0)°
//	  Length: 100.0 mm
func FormatInfo(snap Snapshot) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Base size: %.1fx%.1f mm\n", baseLength(snap), snap.PlateWidth)

	for i, p := range snap.Plates {
		fmt.Fprintf(&b, "Plate %d:\n", i+1)
		fmt.Fprintf(&b, "  Position: (%s) mm\n", joinVec(p.Position, 1))
		fmt.Fprintf(&b, "  Angles: (%s)°\n", joinVec(degrees(p.Orientation), 1))
		fmt.Fprintf(&b, "  Length: %.1f mm\n", p.Height)
	}

	return b.String()
}

// Summary returns a one-line description of a snapshot.
func Summary(snap Snapshot) string {
	ts := "-"
	if !snap.Timestamp.IsZero() {
		ts = snap.Timestamp.Format("15:04:05.000")
	}
	return fmt.Sprintf("%s v%s plates=%d base=%.1fmm raw=%d",
		ts, snap.Version, len(snap.Plates), baseLength(snap), len(snap.RawData))
}

// baseLength prefers the explicit base length and falls back to the base height
// sent by older servers.
func baseLength(snap Snapshot) float64 {
	if snap.PlateBaseLength != 0 {
		return snap.PlateBaseLength
	}
	return snap.PlateBaseHeight
}

func degrees(v Vec3) Vec3 {
	return Vec3{v[0] * 180 / math.Pi, v[1] * 180 / math.Pi, v[2] * 180 / math.Pi}
}

func joinVec(v Vec3, prec int) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = fmt.Sprintf("%.*f", prec, x)
	}
	return strings.Join(parts, ", ")
}
