package glove

// Standard GATT services and characteristics exposed by the glove.
const (
	ServiceDeviceInfo = "0000180a-0000-1000-8000-00805f9b34fb"
	ServiceBattery    = "0000180f-0000-1000-8000-00805f9b34fb"

	uuidModelNumber  = "00002a24-0000-1000-8000-00805f9b34fb"
	uuidFirmwareRev  = "00002a26-0000-1000-8000-00805f9b34fb"
	uuidHardwareRev  = "00002a27-0000-1000-8000-00805f9b34fb"
	uuidManufacturer = "00002a29-0000-1000-8000-00805f9b34fb"
	uuidBatteryLevel = "00002a19-0000-1000-8000-00805f9b34fb"
)

// Custom glove telemetry service. Slot numbers follow the firmware's
// characteristic layout.
const (
	ServiceTelemetry = "f3640001-00b0-4240-ba50-05ca45bf8abc"

	uuidConfig          = "f3640002-00b0-4240-ba50-05ca45bf8abc"
	uuidIMU1            = "f3640003-00b0-4240-ba50-05ca45bf8abc"
	uuidIMU2            = "f3640004-00b0-4240-ba50-05ca45bf8abc"
	uuidIMU1Euler       = "f3640005-00b0-4240-ba50-05ca45bf8abc"
	uuidIMU2Euler       = "f3640006-00b0-4240-ba50-05ca45bf8abc"
	uuidTimestamp       = "f3640007-00b0-4240-ba50-05ca45bf8abc"
	uuidStatus          = "f3640008-00b0-4240-ba50-05ca45bf8abc"
	uuidFlex            = "f3640009-00b0-4240-ba50-05ca45bf8abc"
	uuidForce           = "f364000a-00b0-4240-ba50-05ca45bf8abc"
	uuidJoystick        = "f364000b-00b0-4240-ba50-05ca45bf8abc"
	uuidButtons         = "f364000c-00b0-4240-ba50-05ca45bf8abc"
	uuidBatteryCharging = "f364000d-00b0-4240-ba50-05ca45bf8abc"
)

// RequiredServices must all be present after service discovery before a
// session is declared ready.
var RequiredServices = []string{
	ServiceDeviceInfo,
	ServiceBattery,
	ServiceTelemetry,
}

const (
	CharIMU1 CharID = iota + 1
	CharIMU2
	CharIMU1Euler
	CharIMU2Euler
	CharConfig
	CharTimestamp
	CharStatus
	CharFlex
	CharForce
	CharJoystick
	CharButtons
	CharBatteryLevel
	CharBatteryCharging
	CharModelNumber
	CharFirmwareRev
	CharHardwareRev
	CharManufacturer
)

// CharID identifies one glove characteristic.
type CharID uint8

func (c CharID) String() string {
	if char, ok := Characteristics[c]; ok {
		return char.Name
	}
	return "unknown"
}

// Characteristic describes a single GATT characteristic: its UUID, the
// service it belongs to, the exact payload length for fixed-size values
// (0 for variable-length strings) and its access modes.
type Characteristic struct {
	Name    string
	Service string
	UUID    string
	Size    int
	Notify  bool
	Read    bool
	Write   bool
}

var Characteristics = map[CharID]Characteristic{
	CharIMU1:            {"imu1", ServiceTelemetry, uuidIMU1, 18, true, true, false},
	CharIMU2:            {"imu2", ServiceTelemetry, uuidIMU2, 18, true, true, false},
	CharIMU1Euler:       {"imu1_euler", ServiceTelemetry, uuidIMU1Euler, 13, true, true, false},
	CharIMU2Euler:       {"imu2_euler", ServiceTelemetry, uuidIMU2Euler, 13, true, true, false},
	CharConfig:          {"config", ServiceTelemetry, uuidConfig, 15, true, true, true},
	CharTimestamp:       {"timestamp", ServiceTelemetry, uuidTimestamp, 4, false, true, true},
	CharStatus:          {"overall_status", ServiceTelemetry, uuidStatus, 4, true, true, false},
	CharFlex:            {"flex", ServiceTelemetry, uuidFlex, 20, true, true, false},
	CharForce:           {"force", ServiceTelemetry, uuidForce, 4, true, true, false},
	CharJoystick:        {"joystick", ServiceTelemetry, uuidJoystick, 5, true, true, false},
	CharButtons:         {"buttons", ServiceTelemetry, uuidButtons, 4, true, true, false},
	CharBatteryLevel:    {"battery_level", ServiceBattery, uuidBatteryLevel, 1, true, true, false},
	CharBatteryCharging: {"battery_charging", ServiceTelemetry, uuidBatteryCharging, 1, true, true, false},
	CharModelNumber:     {"model_number", ServiceDeviceInfo, uuidModelNumber, 0, false, true, false},
	CharFirmwareRev:     {"firmware_revision", ServiceDeviceInfo, uuidFirmwareRev, 0, false, true, false},
	CharHardwareRev:     {"hardware_revision", ServiceDeviceInfo, uuidHardwareRev, 0, false, true, false},
	CharManufacturer:    {"manufacturer", ServiceDeviceInfo, uuidManufacturer, 0, false, true, false},
}

var charsByUUID = func() map[string]CharID {
	m := make(map[string]CharID, len(Characteristics))
	for id, char := range Characteristics {
		m[char.UUID] = id
	}
	return m
}()

// CharByUUID resolves a characteristic UUID (lowercase canonical form) to
// its CharID.
func CharByUUID(uuid string) (CharID, bool) {
	id, ok := charsByUUID[uuid]
	return id, ok
}

// NotifyChars returns the characteristics the session subscribes to,
// in subscription order. IMU streams come first so the critical streams
// are live before the auxiliary ones.
func NotifyChars() []CharID {
	return []CharID{
		CharIMU1,
		CharIMU2,
		CharIMU1Euler,
		CharIMU2Euler,
		CharStatus,
		CharFlex,
		CharForce,
		CharJoystick,
		CharButtons,
		CharConfig,
		CharBatteryLevel,
		CharBatteryCharging,
	}
}
