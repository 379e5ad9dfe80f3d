package glove

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"
)

func putFloat32(data []byte, v float32) {
	binary.LittleEndian.PutUint32(data, math.Float32bits(v))
}

func inertialPayload(accel, gyro, mag [3]int16) []byte {
	data := make([]byte, 18)
	for i := 0; i < 3; i++ {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(accel[i]))
		binary.LittleEndian.PutUint16(data[6+i*2:], uint16(gyro[i]))
		binary.LittleEndian.PutUint16(data[12+i*2:], uint16(mag[i]))
	}
	return data
}

func TestDecode_Inertial(t *testing.T) {
	at := time.Now()
	data := inertialPayload(
		[3]int16{1000, -1000, 16},
		[3]int16{314, -314, 0},
		[3]int16{25, -25, 48},
	)

	frame, err := Decode(CharIMU1, data, at)
	if err != nil {
		t.Fatalf("Failed to decode IMU payload: %v", err)
	}

	if frame.Source != SourceIMU1 {
		t.Errorf("Expected source %s, got %s", SourceIMU1, frame.Source)
	}
	if !frame.Valid {
		t.Error("Expected valid frame")
	}
	if !frame.Captured.Equal(at) {
		t.Errorf("Expected capture time %v, got %v", at, frame.Captured)
	}

	in, ok := frame.Data.(Inertial)
	if !ok {
		t.Fatalf("Expected Inertial data, got %T", frame.Data)
	}

	if in.Accel != [3]float64{1000, -1000, 16} {
		t.Errorf("Unexpected accel values: %v", in.Accel)
	}

	// Gyro wire unit is 0.01 rad/s per count
	if in.Gyro != [3]float64{3.14, -3.14, 0} {
		t.Errorf("Unexpected gyro values: %v", in.Gyro)
	}
	if in.Mag != [3]float64{25, -25, 48} {
		t.Errorf("Unexpected mag values: %v", in.Mag)
	}
}

func TestDecode_Orientation(t *testing.T) {
	data := make([]byte, 13)
	putFloat32(data[0:], 181.5)
	putFloat32(data[4:], -42.25)
	putFloat32(data[8:], 10)
	data[12] = 3

	frame, err := Decode(CharIMU2Euler, data, time.Now())
	if err != nil {
		t.Fatalf("Failed to decode euler payload: %v", err)
	}
	if frame.Source != SourceIMU2 {
		t.Errorf("Expected source %s, got %s", SourceIMU2, frame.Source)
	}

	o, ok := frame.Data.(Orientation)
	if !ok {
		t.Fatalf("Expected Orientation data, got %T", frame.Data)
	}
	if o.Yaw != 181.5 || o.Pitch != -42.25 || o.Roll != 10 {
		t.Errorf("Unexpected angles: yaw=%v pitch=%v roll=%v", o.Yaw, o.Pitch, o.Roll)
	}
	if o.Fusion != 3 {
		t.Errorf("Expected fusion status 3, got %d", o.Fusion)
	}
}

func TestDecode_Joystick(t *testing.T) {
	testCases := []struct {
		name    string
		x, y    int16
		button  byte
		valid   bool
		pressed bool
	}{
		{"centered", 2048, 2048, 0, true, false},
		{"deflected pressed", 4095, 0, 1, true, true},
		{"out of range", 4500, 2048, 0, false, false},
		{"negative", -10, 2048, 0, false, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data := make([]byte, 5)
			binary.LittleEndian.PutUint16(data[0:], uint16(tc.x))
			binary.LittleEndian.PutUint16(data[2:], uint16(tc.y))
			data[4] = tc.button

			frame, err := Decode(CharJoystick, data, time.Now())
			if err != nil {
				t.Fatalf("Failed to decode joystick payload: %v", err)
			}
			if frame.Valid != tc.valid {
				t.Errorf("Expected valid=%v, got %v", tc.valid, frame.Valid)
			}

			joy := frame.Data.(Joystick)
			if joy.X != tc.x || joy.Y != tc.y {
				t.Errorf("Expected x=%d y=%d, got x=%d y=%d", tc.x, tc.y, joy.X, joy.Y)
			}
			if joy.Pressed != tc.pressed {
				t.Errorf("Expected pressed=%v, got %v", tc.pressed, joy.Pressed)
			}
		})
	}
}

func TestJoystick_Centered(t *testing.T) {
	testCases := []struct {
		name   string
		x, y   int16
		dx, dy int
	}{
		{"at center", JoystickCenter, JoystickCenter, 0, 0},
		{"inside deadzone", JoystickCenter + JoystickDeadzone, JoystickCenter - JoystickDeadzone, 0, 0},
		{"outside deadzone", JoystickCenter + 500, JoystickCenter - 500, 500, -500},
		{"full deflection", JoystickMax, JoystickMin, JoystickMax - JoystickCenter, JoystickMin - JoystickCenter},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			joy := Joystick{X: tc.x, Y: tc.y}
			dx, dy := joy.Centered(JoystickCenter, JoystickCenter)
			if dx != tc.dx || dy != tc.dy {
				t.Errorf("Expected (%d, %d), got (%d, %d)", tc.dx, tc.dy, dx, dy)
			}
		})
	}
}

func TestJoystick_CenterTolerance(t *testing.T) {
	// The raw midpoint must decode to a corrected value within ±1.5%
	// of full scale from center.
	mid := int16((JoystickMax + 1) / 2)
	data := make([]byte, 5)
	binary.LittleEndian.PutUint16(data[0:], uint16(mid))
	binary.LittleEndian.PutUint16(data[2:], uint16(mid))

	frame, err := Decode(CharJoystick, data, time.Now())
	if err != nil {
		t.Fatalf("Failed to decode joystick payload: %v", err)
	}

	dx, dy := frame.Data.(Joystick).Centered(JoystickCenter, JoystickCenter)
	tolerance := 0.015 * float64(JoystickMax-JoystickMin)
	if math.Abs(float64(dx)) > tolerance || math.Abs(float64(dy)) > tolerance {
		t.Errorf("Midpoint correction (%d, %d) exceeds ±%.0f counts", dx, dy, tolerance)
	}
}

func TestDecode_Sensors(t *testing.T) {
	t.Run("flex", func(t *testing.T) {
		data := make([]byte, 20)
		want := [5]float64{10.5, 22, 31.75, 8, 120}
		for i, v := range want {
			putFloat32(data[i*4:], float32(v))
		}

		frame, err := Decode(CharFlex, data, time.Now())
		if err != nil {
			t.Fatalf("Failed to decode flex payload: %v", err)
		}
		if got := frame.Data.(Flex).KOhm; got != want {
			t.Errorf("Expected %v, got %v", want, got)
		}
	})

	t.Run("force", func(t *testing.T) {
		data := make([]byte, 4)
		putFloat32(data, 55.25)

		frame, err := Decode(CharForce, data, time.Now())
		if err != nil {
			t.Fatalf("Failed to decode force payload: %v", err)
		}
		if got := frame.Data.(Force).KOhm; got != 55.25 {
			t.Errorf("Expected 55.25, got %v", got)
		}
	})

	t.Run("buttons", func(t *testing.T) {
		frame, err := Decode(CharButtons, []byte{1, 0, 1, 0}, time.Now())
		if err != nil {
			t.Fatalf("Failed to decode buttons payload: %v", err)
		}
		if got := frame.Data.(Buttons).Pressed; got != [4]bool{true, false, true, false} {
			t.Errorf("Unexpected button states: %v", got)
		}
	})
}

func TestDecode_BatteryAndStatus(t *testing.T) {
	t.Run("battery level", func(t *testing.T) {
		frame, err := Decode(CharBatteryLevel, []byte{87}, time.Now())
		if err != nil {
			t.Fatalf("Failed to decode battery payload: %v", err)
		}
		if frame.Source != SourceBattery {
			t.Errorf("Expected source %s, got %s", SourceBattery, frame.Source)
		}
		if got := frame.Data.(Battery).Percent; got != 87 {
			t.Errorf("Expected 87%%, got %d%%", got)
		}
	})

	t.Run("battery level out of range", func(t *testing.T) {
		frame, err := Decode(CharBatteryLevel, []byte{143}, time.Now())
		if err != nil {
			t.Fatalf("Failed to decode battery payload: %v", err)
		}
		if frame.Valid {
			t.Error("Expected invalid frame for level above 100")
		}
	})

	t.Run("charging", func(t *testing.T) {
		frame, err := Decode(CharBatteryCharging, []byte{1}, time.Now())
		if err != nil {
			t.Fatalf("Failed to decode charging payload: %v", err)
		}
		if got := frame.Data.(Charging).State; got != ChargeCharging {
			t.Errorf("Expected %s, got %s", ChargeCharging, got)
		}
	})

	t.Run("overall status", func(t *testing.T) {
		frame, err := Decode(CharStatus, []byte{0, 3, 3, 2}, time.Now())
		if err != nil {
			t.Fatalf("Failed to decode status payload: %v", err)
		}
		status := frame.Data.(Status)
		if status.Error != 0 {
			t.Errorf("Expected no error, got code %d", status.Error)
		}
		if status.FuelGauge != ComponentRunning || status.IMU1 != ComponentRunning || status.IMU2 != ComponentIdle {
			t.Errorf("Unexpected component states: %+v", status)
		}
	})
}

func TestDecode_MalformedLength(t *testing.T) {
	testCases := []struct {
		name string
		char CharID
		size int
	}{
		{"imu short", CharIMU1, 17},
		{"imu long", CharIMU2, 19},
		{"euler short", CharIMU1Euler, 12},
		{"joystick empty", CharJoystick, 0},
		{"flex truncated", CharFlex, 16},
		{"battery long", CharBatteryLevel, 2},
		{"status short", CharStatus, 3},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.char, make([]byte, tc.size), time.Now())
			if !errors.Is(err, ErrDecode) {
				t.Errorf("Expected ErrDecode, got %v", err)
			}
		})
	}
}

func TestEncodeTimestamp_RoundTrip(t *testing.T) {
	now := time.Unix(1735689600, 0) // device clock keeps whole seconds

	frame, err := Decode(CharTimestamp, EncodeTimestamp(now), time.Now())
	if err != nil {
		t.Fatalf("Failed to decode timestamp payload: %v", err)
	}
	if got := frame.Data.(Timestamp).Unix; got != uint32(now.Unix()) {
		t.Errorf("Expected %d, got %d", now.Unix(), got)
	}
}
