package glove

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrDecode is returned for payloads that do not match the declared
// layout of their characteristic. Frames failing to decode are dropped
// and counted, never fatal.
var ErrDecode = errors.New("malformed payload")

// Gyro samples arrive as int16 hundredths of a radian per second.
const gyroScale = 0.01

// Decode converts one raw characteristic payload into a Frame captured
// at the given time. The mapping is pure: no state is read or written.
func Decode(char CharID, data []byte, at time.Time) (Frame, error) {
	spec, ok := Characteristics[char]
	if !ok {
		return Frame{}, fmt.Errorf("%w: unknown characteristic %d", ErrDecode, char)
	}
	if spec.Size > 0 && len(data) != spec.Size {
		return Frame{}, fmt.Errorf("%w: %s expects %d bytes, got %d", ErrDecode, spec.Name, spec.Size, len(data))
	}

	source, ok := SourceOf(char)
	if !ok && char != CharTimestamp {
		return Frame{}, fmt.Errorf("%w: %s carries no telemetry", ErrDecode, spec.Name)
	}

	frame := Frame{
		Char:     char,
		Source:   source,
		Captured: at,
		Valid:    true,
	}

	switch char {
	case CharIMU1, CharIMU2:
		frame.Data = decodeInertial(data)
	case CharIMU1Euler, CharIMU2Euler:
		frame.Data = decodeOrientation(data)
	case CharJoystick:
		joy := decodeJoystick(data)
		if joy.X < JoystickMin || joy.X > JoystickMax || joy.Y < JoystickMin || joy.Y > JoystickMax {
			frame.Valid = false
		}
		frame.Data = joy
	case CharButtons:
		frame.Data = decodeButtons(data)
	case CharFlex:
		frame.Data = decodeFlex(data)
	case CharForce:
		frame.Data = Force{KOhm: float64(decodeFloat32(data))}
	case CharBatteryLevel:
		if data[0] > 100 {
			frame.Valid = false
		}
		frame.Data = Battery{Percent: data[0]}
	case CharBatteryCharging:
		if data[0] > uint8(ChargeFull) {
			frame.Valid = false
		}
		frame.Data = Charging{State: ChargeState(data[0])}
	case CharStatus:
		frame.Data = Status{
			Error:     data[0],
			FuelGauge: ComponentState(data[1]),
			IMU1:      ComponentState(data[2]),
			IMU2:      ComponentState(data[3]),
		}
	case CharTimestamp:
		frame.Data = Timestamp{Unix: binary.LittleEndian.Uint32(data)}
	default:
		return Frame{}, fmt.Errorf("%w: %s is not a telemetry characteristic", ErrDecode, spec.Name)
	}

	return frame, nil
}

func decodeInertial(data []byte) Inertial {
	var in Inertial
	for i := 0; i < 3; i++ {
		in.Accel[i] = float64(int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2])))
		in.Gyro[i] = float64(int16(binary.LittleEndian.Uint16(data[6+i*2 : 8+i*2]))) * gyroScale
		in.Mag[i] = float64(int16(binary.LittleEndian.Uint16(data[12+i*2 : 14+i*2])))
	}
	return in
}

func decodeOrientation(data []byte) Orientation {
	return Orientation{
		Yaw:    float64(decodeFloat32(data[0:4])),
		Pitch:  float64(decodeFloat32(data[4:8])),
		Roll:   float64(decodeFloat32(data[8:12])),
		Fusion: data[12],
	}
}

func decodeJoystick(data []byte) Joystick {
	return Joystick{
		X:       int16(binary.LittleEndian.Uint16(data[0:2])),
		Y:       int16(binary.LittleEndian.Uint16(data[2:4])),
		Pressed: data[4] == 1,
	}
}

func decodeButtons(data []byte) Buttons {
	var b Buttons
	for i := range b.Pressed {
		b.Pressed[i] = data[i] != 0
	}
	return b
}

func decodeFlex(data []byte) Flex {
	var f Flex
	for i := range f.KOhm {
		f.KOhm[i] = float64(decodeFloat32(data[i*4 : i*4+4]))
	}
	return f
}

func decodeFloat32(data []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(data))
}

// EncodeTimestamp renders a host time as the device clock payload.
func EncodeTimestamp(t time.Time) []byte {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, uint32(t.Unix()))
	return data
}

// DecodeString converts a device information payload to a string.
func DecodeString(data []byte) string {
	return string(data)
}
