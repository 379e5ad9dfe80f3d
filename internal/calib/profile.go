package calib

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownSensor is returned when a sensor id is not part of the glove
var ErrUnknownSensor = errors.New("unknown sensor")

// Sensor identifies one calibratable channel group on the glove
type Sensor int

const (
	SensorIMU1Accel Sensor = iota
	SensorIMU1Gyro
	SensorIMU1Mag
	SensorIMU2Accel
	SensorIMU2Gyro
	SensorIMU2Mag
	SensorJoystick
	SensorFlex
	SensorForce
)

var sensorNames = map[Sensor]string{
	SensorIMU1Accel: "imu1.accel",
	SensorIMU1Gyro:  "imu1.gyro",
	SensorIMU1Mag:   "imu1.mag",
	SensorIMU2Accel: "imu2.accel",
	SensorIMU2Gyro:  "imu2.gyro",
	SensorIMU2Mag:   "imu2.mag",
	SensorJoystick:  "joystick",
	SensorFlex:      "flex",
	SensorForce:     "force",
}

var sensorChannels = map[Sensor]int{
	SensorIMU1Accel: 3,
	SensorIMU1Gyro:  3,
	SensorIMU1Mag:   3,
	SensorIMU2Accel: 3,
	SensorIMU2Gyro:  3,
	SensorIMU2Mag:   3,
	SensorJoystick:  2,
	SensorFlex:      5,
	SensorForce:     1,
}

func (s Sensor) String() string {
	if name, ok := sensorNames[s]; ok {
		return name
	}
	return fmt.Sprintf("sensor(%d)", int(s))
}

// Channels returns the number of channels the sensor reports per frame
func (s Sensor) Channels() int {
	return sensorChannels[s]
}

// Sensors returns all calibratable sensors in a stable order
func Sensors() []Sensor {
	return []Sensor{
		SensorIMU1Accel, SensorIMU1Gyro, SensorIMU1Mag,
		SensorIMU2Accel, SensorIMU2Gyro, SensorIMU2Mag,
		SensorJoystick, SensorFlex, SensorForce,
	}
}

// SensorByName resolves a sensor from its string id, e.g. "imu1.gyro"
func SensorByName(name string) (Sensor, bool) {
	for s, n := range sensorNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}

// Profile holds the correction vector for one sensor: corrected = raw*Scale - Offset.
// Drift is the latest advisory estimate as a fraction of full scale, Samples the
// size of the resting window the offsets were computed from.
type Profile struct {
	Sensor    Sensor
	Offset    []float64
	Scale     []float64
	Drift     float64
	Samples   int
	UpdatedAt time.Time
}

// NewProfile returns an identity profile (unit scale, zero offset) for the sensor
func NewProfile(sensor Sensor) Profile {
	n := sensor.Channels()
	scale := make([]float64, n)
	for i := range scale {
		scale[i] = 1
	}
	return Profile{Sensor: sensor, Offset: make([]float64, n), Scale: scale}
}

// Correct applies the profile to raw channel values in place
func (p Profile) Correct(vals []float64) {
	for i := range vals {
		vals[i] = vals[i]*p.Scale[i] - p.Offset[i]
	}
}

// Validate checks that the correction vectors match the sensor's channel count
func (p Profile) Validate() error {
	n, ok := sensorChannels[p.Sensor]
	if !ok {
		return fmt.Errorf("calib.Profile: %w: %d", ErrUnknownSensor, int(p.Sensor))
	}
	if len(p.Offset) != n || len(p.Scale) != n {
		return fmt.Errorf("calib.Profile: %s: want %d channels, got %d offsets and %d scales",
			p.Sensor, n, len(p.Offset), len(p.Scale))
	}
	return nil
}

// Clone returns a deep copy of the profile
func (p Profile) Clone() Profile {
	c := p
	c.Offset = append([]float64(nil), p.Offset...)
	c.Scale = append([]float64(nil), p.Scale...)
	return c
}
