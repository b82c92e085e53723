package teltonika

// AVL I/O element mapping. Teltonika devices report vehicle state as
// numbered I/O elements; this table fixes the id -> sensors key
// translation and the scale applied to the raw value. Ids absent from
// the table surface as io_<id>.
//
// Sources: Teltonika FMB AVL ID list for the ids the platform
// consumes. Voltages arrive in millivolts and are stored in volts so
// the low_battery rule thresholds read naturally.

type ioElement struct {
	key   string
	scale float64
}

var ioElements = map[uint16]ioElement{
	1:   {key: "digital_input_1", scale: 1},
	9:   {key: "analog_input_1", scale: 0.001},
	16:  {key: "total_odometer", scale: 0.001}, // metres -> km
	21:  {key: "gsm_signal", scale: 1},
	24:  {key: "gnss_speed", scale: 1},
	66:  {key: "external_voltage", scale: 0.001},
	67:  {key: "battery_voltage", scale: 0.001},
	68:  {key: "battery_current", scale: 0.001},
	69:  {key: "gnss_status", scale: 1},
	80:  {key: "data_mode", scale: 1},
	113: {key: "battery_level", scale: 1},
	179: {key: "digital_output_1", scale: 1},
	181: {key: "pdop", scale: 0.1},
	182: {key: "hdop", scale: 0.1},
	199: {key: "trip_odometer", scale: 0.001},
	200: {key: "sleep_mode", scale: 1},
	239: {key: "ignition", scale: 1},
	240: {key: "movement", scale: 1},
	241: {key: "operator_code", scale: 1},
}

// ioIgnition is the element carrying the ignition flag.
const ioIgnition = 239
