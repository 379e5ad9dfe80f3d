package glove

import (
	"time"
)

const (
	SourceIMU1 Source = iota + 1
	SourceIMU2
	SourceJoystick
	SourceButtons
	SourceFlex
	SourceForce
	SourceBattery
	SourceStatus
)

// Source identifies the telemetry stream a frame belongs to. Orientation
// frames share a source with their IMU's raw frames; battery charging
// updates share the battery source.
type Source uint8

func (s Source) String() string {
	switch s {
	case SourceIMU1:
		return "imu1"
	case SourceIMU2:
		return "imu2"
	case SourceJoystick:
		return "joystick"
	case SourceButtons:
		return "buttons"
	case SourceFlex:
		return "flex"
	case SourceForce:
		return "force"
	case SourceBattery:
		return "battery"
	case SourceStatus:
		return "status"
	}
	return "unknown"
}

// Sources lists every telemetry source in a stable order.
func Sources() []Source {
	return []Source{
		SourceIMU1,
		SourceIMU2,
		SourceJoystick,
		SourceButtons,
		SourceFlex,
		SourceForce,
		SourceBattery,
		SourceStatus,
	}
}

// SourceOf maps a characteristic to the telemetry source it feeds.
func SourceOf(char CharID) (Source, bool) {
	switch char {
	case CharIMU1, CharIMU1Euler:
		return SourceIMU1, true
	case CharIMU2, CharIMU2Euler:
		return SourceIMU2, true
	case CharJoystick:
		return SourceJoystick, true
	case CharButtons:
		return SourceButtons, true
	case CharFlex:
		return SourceFlex, true
	case CharForce:
		return SourceForce, true
	case CharBatteryLevel, CharBatteryCharging:
		return SourceBattery, true
	case CharStatus:
		return SourceStatus, true
	}
	return 0, false
}

// Frame is a single decoded telemetry unit. Frames are immutable once
// produced: consumers receive copies and must not retain pointers into
// Data. Captured is the host-side capture time; Seq is a per-source
// counter assigned on the receive path.
type Frame struct {
	Char     CharID
	Source   Source
	Captured time.Time
	Seq      uint64
	Valid    bool
	Data     any
}

// Inertial is one raw IMU reading converted to engineering units.
type Inertial struct {
	Accel [3]float64 // mg
	Gyro  [3]float64 // rad/s
	Mag   [3]float64 // µT
}

// Orientation is one fused attitude reading from the glove's on-board
// filter. Fusion reports the filter's own calibration state (0..3).
type Orientation struct {
	Yaw    float64 // degrees
	Pitch  float64
	Roll   float64
	Fusion uint8
}

// Joystick holds the raw thumbstick sample. X and Y span the 12-bit ADC
// range JoystickMin..JoystickMax.
type Joystick struct {
	X       int16
	Y       int16
	Pressed bool
}

const (
	JoystickMin      = 0
	JoystickMax      = 4095
	JoystickCenter   = 2048
	JoystickDeadzone = 100
)

// Centered returns the stick deflection relative to center with the
// deadzone applied: values within ±JoystickDeadzone of center read as 0.
func (j Joystick) Centered(centerX, centerY int) (dx, dy int) {
	dx = int(j.X) - centerX
	dy = int(j.Y) - centerY
	if dx >= -JoystickDeadzone && dx <= JoystickDeadzone {
		dx = 0
	}
	if dy >= -JoystickDeadzone && dy <= JoystickDeadzone {
		dy = 0
	}
	return dx, dy
}

// Buttons holds the four push button states.
type Buttons struct {
	Pressed [4]bool
}

// Flex holds the five finger flex sensor resistances in kΩ.
type Flex struct {
	KOhm [5]float64
}

// Force holds the palm pressure sensor resistance in kΩ.
type Force struct {
	KOhm float64
}

// Battery is a battery level report in percent.
type Battery struct {
	Percent uint8
}

const (
	ChargeNone ChargeState = iota
	ChargeCharging
	ChargeFull
)

// ChargeState reports the battery charging circuit state.
type ChargeState uint8

func (c ChargeState) String() string {
	switch c {
	case ChargeNone:
		return "not charging"
	case ChargeCharging:
		return "charging"
	case ChargeFull:
		return "full"
	}
	return "unknown"
}

// Charging is a charging state report.
type Charging struct {
	State ChargeState
}

const (
	ComponentNotDetected ComponentState = iota
	ComponentFailed
	ComponentIdle
	ComponentRunning
)

// ComponentState reports the health of one on-glove component.
type ComponentState uint8

func (c ComponentState) String() string {
	switch c {
	case ComponentNotDetected:
		return "not detected"
	case ComponentFailed:
		return "failed"
	case ComponentIdle:
		return "idle"
	case ComponentRunning:
		return "running"
	}
	return "unknown"
}

// Status is the glove's overall health report.
type Status struct {
	Error     uint8
	FuelGauge ComponentState
	IMU1      ComponentState
	IMU2      ComponentState
}

// Timestamp is the device clock value in Unix seconds.
type Timestamp struct {
	Unix uint32
}

// DeviceInfo holds the device information service strings read once per
// connection.
type DeviceInfo struct {
	Model        string
	Manufacturer string
	Firmware     string
	Hardware     string
}
