package glove

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig rejects configuration values outside the device's
// enumerated rate and range tables before any write is attempted.
var ErrInvalidConfig = errors.New("invalid sensor configuration")

const (
	CommandIdle Command = iota
	CommandRun
	CommandCalibrateIMU1
	CommandCalibrateIMU2
)

// Command is the glove's run state carried in the first config byte.
type Command uint8

func (c Command) String() string {
	switch c {
	case CommandIdle:
		return "idle"
	case CommandRun:
		return "run"
	case CommandCalibrateIMU1:
		return "calibrate imu1"
	case CommandCalibrateIMU2:
		return "calibrate imu2"
	}
	return "unknown"
}

// Wire codes for the enumerated rates and ranges. Values are what the
// configuration API speaks (Hz, G, deg/s, gauss); codes are what the
// config characteristic carries.
var (
	sampleRateCodes = map[float64]byte{
		12.5: 0,
		26:   1,
		52:   2,
		104:  3,
		208:  4,
		416:  5,
	}

	magRateCodes = map[float64]byte{
		0.625: 0,
		1.25:  1,
		2.5:   2,
		5:     3,
		10:    4,
		20:    5,
		40:    6,
		80:    7,
	}

	accelRangeCodes = map[int]byte{
		2:  0,
		4:  1,
		8:  2,
		16: 3,
	}

	gyroRangeCodes = map[int]byte{
		125:  0,
		250:  1,
		500:  2,
		1000: 3,
		2000: 4,
	}

	magRangeCodes = map[int]byte{
		4:  0,
		8:  1,
		12: 2,
		16: 3,
	}

	sampleRateByCode = reverse(sampleRateCodes)
	magRateByCode    = reverse(magRateCodes)
	accelRangeByCode = reverse(accelRangeCodes)
	gyroRangeByCode  = reverse(gyroRangeCodes)
	magRangeByCode   = reverse(magRangeCodes)
)

func reverse[T comparable](codes map[T]byte) map[byte]T {
	m := make(map[byte]T, len(codes))
	for v, code := range codes {
		m[code] = v
	}
	return m
}

// SampleRates returns the valid accelerometer/gyroscope output data
// rates in Hz, ascending.
func SampleRates() []float64 {
	return []float64{12.5, 26, 52, 104, 208, 416}
}

// MagRates returns the valid magnetometer output data rates in Hz,
// ascending.
func MagRates() []float64 {
	return []float64{0.625, 1.25, 2.5, 5, 10, 20, 40, 80}
}

// IMUConfig holds the rate and range settings of one IMU.
type IMUConfig struct {
	SampleRate float64 `yaml:"sampleRate" json:"sampleRate"` // accel+gyro output data rate, Hz
	MagRate    float64 `yaml:"magRate" json:"magRate"`       // magnetometer output data rate, Hz
	AccelRange int     `yaml:"accelRange" json:"accelRange"` // ±G
	GyroRange  int     `yaml:"gyroRange" json:"gyroRange"`   // ±deg/s
	MagRange   int     `yaml:"magRange" json:"magRange"`     // ±gauss
}

func (c *IMUConfig) Validate() error {
	if _, ok := sampleRateCodes[c.SampleRate]; !ok {
		return fmt.Errorf("%w: sample rate %g Hz not in %v", ErrInvalidConfig, c.SampleRate, SampleRates())
	}
	if _, ok := magRateCodes[c.MagRate]; !ok {
		return fmt.Errorf("%w: magnetometer rate %g Hz not in %v", ErrInvalidConfig, c.MagRate, MagRates())
	}
	if _, ok := accelRangeCodes[c.AccelRange]; !ok {
		return fmt.Errorf("%w: accelerometer range ±%d G not in [2 4 8 16]", ErrInvalidConfig, c.AccelRange)
	}
	if _, ok := gyroRangeCodes[c.GyroRange]; !ok {
		return fmt.Errorf("%w: gyroscope range ±%d deg/s not in [125 250 500 1000 2000]", ErrInvalidConfig, c.GyroRange)
	}
	if _, ok := magRangeCodes[c.MagRange]; !ok {
		return fmt.Errorf("%w: magnetometer range ±%d gauss not in [4 8 12 16]", ErrInvalidConfig, c.MagRange)
	}
	return nil
}

// SensorConfig is the full device configuration carried by the config
// characteristic. UpdatePeriod is the shared notification period of the
// slow sensors (flex, force, joystick, buttons).
type SensorConfig struct {
	Command      Command       `yaml:"-" json:"command"`
	IMU1         IMUConfig     `yaml:"imu1" json:"imu1"`
	IMU2         IMUConfig     `yaml:"imu2" json:"imu2"`
	UpdatePeriod time.Duration `yaml:"updatePeriod" json:"updatePeriod"`

	// Reserved trailing bytes are echoed back on encode so a read,
	// modify, write cycle never clears fields this host does not know.
	Reserved [2]byte `yaml:"-" json:"-"`
}

// DefaultConfig is the configuration applied when none has been
// negotiated with the device yet.
func DefaultConfig() SensorConfig {
	return SensorConfig{
		Command: CommandRun,
		IMU1: IMUConfig{
			SampleRate: 104,
			MagRate:    20,
			AccelRange: 4,
			GyroRange:  500,
			MagRange:   4,
		},
		IMU2: IMUConfig{
			SampleRate: 104,
			MagRate:    20,
			AccelRange: 4,
			GyroRange:  500,
			MagRange:   4,
		},
		UpdatePeriod: 20 * time.Millisecond,
	}
}

func (c *SensorConfig) Validate() error {
	if c.Command > CommandCalibrateIMU2 {
		return fmt.Errorf("%w: unknown command %d", ErrInvalidConfig, c.Command)
	}
	if err := c.IMU1.Validate(); err != nil {
		return fmt.Errorf("imu1: %w", err)
	}
	if err := c.IMU2.Validate(); err != nil {
		return fmt.Errorf("imu2: %w", err)
	}
	period := c.UpdatePeriod.Milliseconds()
	if period < 1 || period > 65535 {
		return fmt.Errorf("%w: update period %s outside 1ms..65535ms", ErrInvalidConfig, c.UpdatePeriod)
	}
	return nil
}

// EncodeConfig renders the configuration as the 15 byte config
// characteristic payload. Invalid values are rejected before encoding.
func EncodeConfig(c SensorConfig) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	data := make([]byte, Characteristics[CharConfig].Size)
	data[0] = byte(c.Command)
	data[1] = sampleRateCodes[c.IMU1.SampleRate]
	data[2] = magRateCodes[c.IMU1.MagRate]
	data[3] = sampleRateCodes[c.IMU2.SampleRate]
	data[4] = magRateCodes[c.IMU2.MagRate]
	data[5] = accelRangeCodes[c.IMU1.AccelRange]
	data[6] = gyroRangeCodes[c.IMU1.GyroRange]
	data[7] = magRangeCodes[c.IMU1.MagRange]
	data[8] = accelRangeCodes[c.IMU2.AccelRange]
	data[9] = gyroRangeCodes[c.IMU2.GyroRange]
	data[10] = magRangeCodes[c.IMU2.MagRange]
	binary.LittleEndian.PutUint16(data[11:13], uint16(c.UpdatePeriod.Milliseconds()))
	data[13] = c.Reserved[0]
	data[14] = c.Reserved[1]
	return data, nil
}

// DecodeConfig parses a config characteristic payload.
func DecodeConfig(data []byte) (SensorConfig, error) {
	size := Characteristics[CharConfig].Size
	if len(data) != size {
		return SensorConfig{}, fmt.Errorf("%w: config expects %d bytes, got %d", ErrDecode, size, len(data))
	}

	var c SensorConfig
	var err error

	if data[0] > byte(CommandCalibrateIMU2) {
		return SensorConfig{}, fmt.Errorf("%w: unknown command %d", ErrDecode, data[0])
	}
	c.Command = Command(data[0])

	if c.IMU1, err = decodeIMUConfig(data[1], data[2], data[5], data[6], data[7]); err != nil {
		return SensorConfig{}, fmt.Errorf("imu1: %w", err)
	}
	if c.IMU2, err = decodeIMUConfig(data[3], data[4], data[8], data[9], data[10]); err != nil {
		return SensorConfig{}, fmt.Errorf("imu2: %w", err)
	}

	c.UpdatePeriod = time.Duration(binary.LittleEndian.Uint16(data[11:13])) * time.Millisecond
	c.Reserved[0] = data[13]
	c.Reserved[1] = data[14]
	return c, nil
}

func decodeIMUConfig(rate, magRate, accel, gyro, mag byte) (IMUConfig, error) {
	var c IMUConfig
	var ok bool

	if c.SampleRate, ok = sampleRateByCode[rate]; !ok {
		return IMUConfig{}, fmt.Errorf("%w: unknown sample rate code %d", ErrDecode, rate)
	}
	if c.MagRate, ok = magRateByCode[magRate]; !ok {
		return IMUConfig{}, fmt.Errorf("%w: unknown magnetometer rate code %d", ErrDecode, magRate)
	}
	if c.AccelRange, ok = accelRangeByCode[accel]; !ok {
		return IMUConfig{}, fmt.Errorf("%w: unknown accelerometer range code %d", ErrDecode, accel)
	}
	if c.GyroRange, ok = gyroRangeByCode[gyro]; !ok {
		return IMUConfig{}, fmt.Errorf("%w: unknown gyroscope range code %d", ErrDecode, gyro)
	}
	if c.MagRange, ok = magRangeByCode[mag]; !ok {
		return IMUConfig{}, fmt.Errorf("%w: unknown magnetometer range code %d", ErrDecode, mag)
	}
	return c, nil
}
