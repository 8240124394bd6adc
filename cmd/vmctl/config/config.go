package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
)

type Config struct {
	// Owner identity
	FilesDir string
	Package  string
	APK      string
	// Hex-encoded signing certificates, oldest first, comma separated
	Certs []string

	ServiceSocket  string
	ConnectWorkers int

	// Builder defaults for new VMs
	DefaultMemory string
	DefaultCPUs   int

	LogLevel string

	// OpenTelemetry
	OtelEnabled           bool
	OtelEndpoint          string
	OtelServiceName       string
	OtelServiceInstanceID string
	OtelInsecure          bool

	Env     string
	Version string
}

// Load loads configuration from environment variables
// Automatically loads .env file if present
func Load() *Config {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	hostname, _ := os.Hostname()

	cfg := &Config{
		FilesDir:       getEnv("VMKIT_FILES_DIR", defaultFilesDir()),
		Package:        getEnv("VMKIT_PACKAGE", "com.example.vmctl"),
		APK:            getEnv("VMKIT_APK", ""),
		Certs:          splitList(getEnv("VMKIT_CERTS", "")),
		ServiceSocket:  getEnv("VMKIT_SERVICE_SOCKET", "/run/vmkit/virtservice.sock"),
		ConnectWorkers: getEnvInt("VMKIT_CONNECT_WORKERS", 4),
		DefaultMemory:  getEnv("VMKIT_DEFAULT_MEMORY", "512MB"),
		DefaultCPUs:    getEnvInt("VMKIT_DEFAULT_CPUS", 1),
		LogLevel:       getEnv("LOG_LEVEL", "info"),

		OtelEnabled:           getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:          getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelServiceName:       getEnv("OTEL_SERVICE_NAME", "vmctl"),
		OtelServiceInstanceID: getEnv("OTEL_SERVICE_INSTANCE_ID", hostname),
		OtelInsecure:          getEnvBool("OTEL_INSECURE", true),

		Env:     getEnv("ENV", "dev"),
		Version: getEnv("VERSION", "dev"),
	}

	return cfg
}

// Validate checks values that Load cannot reject on its own.
func (c *Config) Validate() error {
	if c.FilesDir == "" {
		return fmt.Errorf("VMKIT_FILES_DIR is required")
	}
	if c.DefaultCPUs < 1 {
		return fmt.Errorf("VMKIT_DEFAULT_CPUS must be at least 1, got %d", c.DefaultCPUs)
	}
	if _, err := c.DefaultMemoryMiB(); err != nil {
		return err
	}
	return nil
}

// DefaultMemoryMiB parses DefaultMemory, e.g. "512MB" or "2GB", into MiB.
func (c *Config) DefaultMemoryMiB() (int, error) {
	return ParseMemoryMiB(c.DefaultMemory)
}

// ParseMemoryMiB parses a human-readable size into MiB. An empty string or
// "0" selects the hypervisor default and yields 0.
func ParseMemoryMiB(s string) (int, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid memory size %q: %w", s, err)
	}
	return int(size.MBytes()), nil
}

func defaultFilesDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "vmkit")
	}
	return "/var/lib/vmkit"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
