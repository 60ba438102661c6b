package config

import (
	"os"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
)

type Config struct {
	OutputDir    string
	FirmwareURL  string
	MinFreeSpace datasize.ByteSize

	QemuEnabled bool
	QemuStrict  bool
	QemuTimeout time.Duration
	QemuMachine string
	QemuBin     string

	DeviceSSH string
}

// Load loads configuration from environment variables
// Automatically loads .env file if present
func Load() *Config {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	cfg := &Config{
		OutputDir:    getEnv("OUTPUT_DIR", "/repo/output"),
		FirmwareURL:  getEnv("FW_URL", ""),
		MinFreeSpace: getSize("MIN_FREE_SPACE", 200*datasize.MB),
		QemuEnabled:  getEnv("QEMU_TEST_ENABLE", "1") != "0",
		QemuStrict:   getEnv("QEMU_TEST_STRICT", "0") == "1",
		QemuTimeout:  time.Duration(getInt("QEMU_TEST_TIMEOUT", 25)) * time.Second,
		QemuMachine:  getEnv("QEMU_MACHINE", "virt"),
		QemuBin:      getEnv("QEMU_BIN", ""),
		DeviceSSH:    getEnv("DEVICE_SSH", ""),
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getSize(key string, defaultValue datasize.ByteSize) datasize.ByteSize {
	if value := os.Getenv(key); value != "" {
		var v datasize.ByteSize
		if err := v.UnmarshalText([]byte(value)); err == nil {
			return v
		}
	}
	return defaultValue
}
