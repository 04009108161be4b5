// Package config carries the operational defaults for the flasher and
// their environment overrides.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Defaults for operational configuration.
// These can be overridden by the corresponding STM32FLASH_* variable.
const (
	DefaultSerialPort = "/dev/ttyAMA0"
	DefaultBaudRate   = 115200
	DefaultResetPin   = "GPIO17"
	DefaultBoot0Pin   = "GPIO18"
)

// Environment variable names.
const (
	EnvSerialPort = "STM32FLASH_SERIAL_PORT"
	EnvBaudRate   = "STM32FLASH_BAUD_RATE"
	EnvResetPin   = "STM32FLASH_RESET_PIN"
	EnvBoot0Pin   = "STM32FLASH_BOOT0_PIN"
	EnvBroker     = "STM32FLASH_BROKER"
	EnvClientID   = "STM32FLASH_CLIENT_ID"
)

// SerialPort returns the serial device path.
func SerialPort() string {
	return stringOr(EnvSerialPort, DefaultSerialPort)
}

// BaudRate returns the UART baud rate. Non-numeric or non-positive
// overrides fall back to the default.
func BaudRate() int {
	if v := strings.TrimSpace(os.Getenv(EnvBaudRate)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return DefaultBaudRate
}

// ResetPin returns the RESET line's pin name.
func ResetPin() string {
	return stringOr(EnvResetPin, DefaultResetPin)
}

// Boot0Pin returns the BOOT0 line's pin name.
func Boot0Pin() string {
	return stringOr(EnvBoot0Pin, DefaultBoot0Pin)
}

// BrokerAddr returns the MQTT broker "host:port" for telemetry, or ""
// when telemetry is not configured.
func BrokerAddr() string {
	return strings.TrimSpace(os.Getenv(EnvBroker))
}

// ClientID returns the MQTT client ID, defaulting to "stm32flash-" followed
// by the host name ("stm32flash" when the host name is unavailable).
func ClientID() string {
	if v := strings.TrimSpace(os.Getenv(EnvClientID)); v != "" {
		return v
	}
	if name, err := os.Hostname(); err == nil && name != "" {
		return "stm32flash-" + name
	}
	return "stm32flash"
}

func stringOr(env, def string) string {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		return v
	}
	return def
}
