package tracelog

import (
	"strconv"

	"github.com/seamless-hci/glovelink/internal/glove"
)

// Builder renders the frames of one trace stream into CSV rows. Implementations
// keep the last seen value per column, so related sources merge into a single
// file with one row per incoming frame. A Builder is only ever driven by its
// stream's writer goroutine.
type Builder interface {
	Name() string
	Sources() []glove.Source
	Header() []string
	Row(frame glove.Frame) ([]string, bool)
}

// DefaultBuilders returns the stream set recorded for a glove session:
// one file per IMU, one for the resistive sensors, one for the gamepad
// controls and one for the battery.
func DefaultBuilders() []Builder {
	return []Builder{
		NewIMUBuilder("imu1", glove.SourceIMU1),
		NewIMUBuilder("imu2", glove.SourceIMU2),
		NewSensorsBuilder(),
		NewGamepadBuilder(),
		NewBatteryBuilder(),
	}
}

type imuBuilder struct {
	name   string
	source glove.Source

	inertial glove.Inertial
	orient   glove.Orientation
}

// NewIMUBuilder creates a Builder merging raw inertial and fused orientation
// frames of one IMU into a single stream
func NewIMUBuilder(name string, source glove.Source) Builder {
	return &imuBuilder{name: name, source: source}
}

func (b *imuBuilder) Name() string { return b.name }

func (b *imuBuilder) Sources() []glove.Source { return []glove.Source{b.source} }

func (b *imuBuilder) Header() []string {
	return []string{"timestamp_ms", "valid",
		"accel_x_mg", "accel_y_mg", "accel_z_mg",
		"gyro_x_rads", "gyro_y_rads", "gyro_z_rads",
		"mag_x_ut", "mag_y_ut", "mag_z_ut",
		"yaw_deg", "pitch_deg", "roll_deg", "fusion"}
}

func (b *imuBuilder) Row(frame glove.Frame) ([]string, bool) {
	switch data := frame.Data.(type) {
	case glove.Inertial:
		b.inertial = data
	case glove.Orientation:
		b.orient = data
	default:
		return nil, false
	}
	return []string{
		formatTimestamp(frame),
		formatBool(frame.Valid),
		formatFloat(b.inertial.Accel[0]),
		formatFloat(b.inertial.Accel[1]),
		formatFloat(b.inertial.Accel[2]),
		formatFloat(b.inertial.Gyro[0]),
		formatFloat(b.inertial.Gyro[1]),
		formatFloat(b.inertial.Gyro[2]),
		formatFloat(b.inertial.Mag[0]),
		formatFloat(b.inertial.Mag[1]),
		formatFloat(b.inertial.Mag[2]),
		formatFloat(b.orient.Yaw),
		formatFloat(b.orient.Pitch),
		formatFloat(b.orient.Roll),
		strconv.Itoa(int(b.orient.Fusion)),
	}, true
}

type sensorsBuilder struct {
	flex  glove.Flex
	force glove.Force
}

// NewSensorsBuilder creates a Builder merging flex and force frames into the
// sensors stream
func NewSensorsBuilder() Builder {
	return &sensorsBuilder{}
}

func (b *sensorsBuilder) Name() string { return "sensors" }

func (b *sensorsBuilder) Sources() []glove.Source {
	return []glove.Source{glove.SourceFlex, glove.SourceForce}
}

func (b *sensorsBuilder) Header() []string {
	return []string{"timestamp_ms", "valid",
		"flex1_kohm", "flex2_kohm", "flex3_kohm", "flex4_kohm", "flex5_kohm",
		"force_kohm"}
}

func (b *sensorsBuilder) Row(frame glove.Frame) ([]string, bool) {
	switch data := frame.Data.(type) {
	case glove.Flex:
		b.flex = data
	case glove.Force:
		b.force = data
	default:
		return nil, false
	}
	return []string{
		formatTimestamp(frame),
		formatBool(frame.Valid),
		formatFloat(b.flex.KOhm[0]),
		formatFloat(b.flex.KOhm[1]),
		formatFloat(b.flex.KOhm[2]),
		formatFloat(b.flex.KOhm[3]),
		formatFloat(b.flex.KOhm[4]),
		formatFloat(b.force.KOhm),
	}, true
}

type gamepadBuilder struct {
	joystick glove.Joystick
	buttons  glove.Buttons
}

// NewGamepadBuilder creates a Builder merging joystick and button frames into
// the gamepad stream
func NewGamepadBuilder() Builder {
	return &gamepadBuilder{}
}

func (b *gamepadBuilder) Name() string { return "gamepad" }

func (b *gamepadBuilder) Sources() []glove.Source {
	return []glove.Source{glove.SourceJoystick, glove.SourceButtons}
}

func (b *gamepadBuilder) Header() []string {
	return []string{"timestamp_ms", "valid", "x", "y", "stick", "b1", "b2", "b3", "b4"}
}

func (b *gamepadBuilder) Row(frame glove.Frame) ([]string, bool) {
	switch data := frame.Data.(type) {
	case glove.Joystick:
		b.joystick = data
	case glove.Buttons:
		b.buttons = data
	default:
		return nil, false
	}
	return []string{
		formatTimestamp(frame),
		formatBool(frame.Valid),
		strconv.Itoa(int(b.joystick.X)),
		strconv.Itoa(int(b.joystick.Y)),
		formatBool(b.joystick.Pressed),
		formatBool(b.buttons.Pressed[0]),
		formatBool(b.buttons.Pressed[1]),
		formatBool(b.buttons.Pressed[2]),
		formatBool(b.buttons.Pressed[3]),
	}, true
}

type batteryBuilder struct {
	battery  glove.Battery
	charging glove.Charging
}

// NewBatteryBuilder creates a Builder merging battery level and charging state
// frames into the battery stream
func NewBatteryBuilder() Builder {
	return &batteryBuilder{}
}

func (b *batteryBuilder) Name() string { return "battery" }

func (b *batteryBuilder) Sources() []glove.Source {
	return []glove.Source{glove.SourceBattery}
}

func (b *batteryBuilder) Header() []string {
	return []string{"timestamp_ms", "valid", "level_pct", "charging"}
}

func (b *batteryBuilder) Row(frame glove.Frame) ([]string, bool) {
	switch data := frame.Data.(type) {
	case glove.Battery:
		b.battery = data
	case glove.Charging:
		b.charging = data
	default:
		return nil, false
	}
	return []string{
		formatTimestamp(frame),
		formatBool(frame.Valid),
		strconv.Itoa(int(b.battery.Percent)),
		strconv.Itoa(int(b.charging.State)),
	}, true
}

func formatTimestamp(frame glove.Frame) string {
	return strconv.FormatInt(frame.Captured.UnixMilli(), 10)
}

func formatBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
