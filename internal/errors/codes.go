package errors

const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrUnavailable     ErrorCode = "service_unavailable"

	// Configuration errors
	ErrInvalidConfig ErrorCode = "invalid_configuration"
	ErrReadConfig    ErrorCode = "read_config_failed"
	ErrBindFlags     ErrorCode = "bind_flags_failed"
	ErrUnknownKey    ErrorCode = "unknown_config_key"

	// Hardware errors
	ErrGPIO       ErrorCode = "gpio_failed"
	ErrADC        ErrorCode = "adc_failed"
	ErrSerialOpen ErrorCode = "serial_open_failed"
	ErrSerialIO   ErrorCode = "serial_io_failed"

	// Relay link errors
	ErrRelayRange      ErrorCode = "relay_out_of_range"
	ErrRelayTimeout    ErrorCode = "relay_ack_timeout"
	ErrRelayNack       ErrorCode = "relay_negative_ack"
	ErrRelaySafetyMode ErrorCode = "relay_safety_mode"
	ErrRelayPower      ErrorCode = "relay_board_power_failed"

	// Control errors
	ErrSensorFault     ErrorCode = "sensor_fault"
	ErrSequenceTimeout ErrorCode = "sequence_timeout"
	ErrSequenceRefused ErrorCode = "sequence_refused"
	ErrSafetyActive    ErrorCode = "safety_active"
	ErrLoopStarved     ErrorCode = "loop_starved"

	// Command errors
	ErrUnknownCommand ErrorCode = "unknown_command"
	ErrCommandSyntax  ErrorCode = "command_syntax"
	ErrQueueFull      ErrorCode = "command_queue_full"

	// Storage errors
	ErrStorageInit   ErrorCode = "storage_init_failed"
	ErrStorageWrite  ErrorCode = "storage_write_failed"
	ErrStorageClose  ErrorCode = "storage_close_failed"
	ErrSchemaVersion ErrorCode = "schema_version_mismatch"
)

var errorMessages = map[ErrorCode]string{
	ErrInternal:        "Internal error occurred",
	ErrInvalidArgument: "Invalid argument provided",
	ErrUnavailable:     "Service unavailable",
	ErrInvalidConfig:   "Invalid configuration",
	ErrReadConfig:      "Failed to read configuration",
	ErrBindFlags:       "Failed to bind flags",
	ErrUnknownKey:      "Unknown configuration key",
	ErrGPIO:            "GPIO access failed",
	ErrADC:             "ADC read failed",
	ErrSerialOpen:      "Failed to open serial port",
	ErrSerialIO:        "Serial I/O failed",
	ErrRelayRange:      "Relay number out of range",
	ErrRelayTimeout:    "Relay board did not acknowledge",
	ErrRelayNack:       "Relay board rejected command",
	ErrRelaySafetyMode: "Relay commands blocked by safety mode",
	ErrRelayPower:      "Failed to power relay board",
	ErrSensorFault:     "Pressure sensor fault",
	ErrSequenceTimeout: "Sequence stage timed out",
	ErrSequenceRefused: "Sequence request refused",
	ErrSafetyActive:    "Safety interlock active",
	ErrLoopStarved:     "Control loop starved",
	ErrUnknownCommand:  "Unknown command",
	ErrCommandSyntax:   "Invalid command syntax",
	ErrQueueFull:       "Command queue full",
	ErrStorageInit:     "Failed to initialize storage",
	ErrStorageWrite:    "Failed to write to storage",
	ErrStorageClose:    "Failed to close storage",
	ErrSchemaVersion:   "Database schema version mismatch",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
