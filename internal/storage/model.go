package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/seamless-hci/glovelink/internal/calib"
)

// SessionRecord is one row of the trace session catalog. EndedAt is
// null while the session is still being recorded.
type SessionRecord struct {
	ID        int64
	Device    string
	Model     sql.NullString
	Firmware  sql.NullString
	Directory string
	StartedAt time.Time
	EndedAt   sql.NullTime
	Records   int64
	Dropped   int64
}

// calibrationData mirrors one calibrations row. Offset and scale
// vectors travel as JSON arrays, one element per sensor channel.
type calibrationData struct {
	Sensor    string
	Offsets   string
	Scales    string
	Drift     float64
	Samples   int64
	UpdatedAt time.Time
}

func toCalibrationData(p calib.Profile) (*calibrationData, error) {
	offsets, err := json.Marshal(p.Offset)
	if err != nil {
		return nil, fmt.Errorf("marshaling offsets: %w", err)
	}
	scales, err := json.Marshal(p.Scale)
	if err != nil {
		return nil, fmt.Errorf("marshaling scales: %w", err)
	}

	return &calibrationData{
		Sensor:    p.Sensor.String(),
		Offsets:   string(offsets),
		Scales:    string(scales),
		Drift:     p.Drift,
		Samples:   int64(p.Samples),
		UpdatedAt: p.UpdatedAt.UTC(),
	}, nil
}

func (d *calibrationData) profile() (calib.Profile, error) {
	sensor, ok := calib.SensorByName(d.Sensor)
	if !ok {
		return calib.Profile{}, fmt.Errorf("unknown sensor %q", d.Sensor)
	}

	var offset, scale []float64
	if err := json.Unmarshal([]byte(d.Offsets), &offset); err != nil {
		return calib.Profile{}, fmt.Errorf("unmarshaling offsets: %w", err)
	}
	if err := json.Unmarshal([]byte(d.Scales), &scale); err != nil {
		return calib.Profile{}, fmt.Errorf("unmarshaling scales: %w", err)
	}

	return calib.Profile{
		Sensor:    sensor,
		Offset:    offset,
		Scale:     scale,
		Drift:     d.Drift,
		Samples:   int(d.Samples),
		UpdatedAt: d.UpdatedAt,
	}, nil
}
