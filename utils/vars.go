package utils

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Version may be overridden at build time via -ldflags.
var Version = "0.1.0"

var (
	SocketPath string
	DBPath     string
	LogLevel   string
	LogFile    string
)

const (
	defaultSocketPath = "/run/chimera/api.sock"
	serviceDBPath     = "/var/lib/chimera/chimera.duckdb"
)

func init() {
	SocketPath = resolveSocketPath()
	DBPath = resolveDBPath()
	LogLevel = GetSanitizedEnvString("CHIMERA_LOG_LEVEL", "info")
	LogFile = GetSanitizedEnvPath("CHIMERA_LOG_FILE", "")
}

// resolveSocketPath picks the socket path: the environment override,
// the system default, or a per-user temp path when the default's
// parent directory is not writable (ad-hoc runs without the service
// user's privileges).
func resolveSocketPath() string {
	if p := GetSanitizedEnvPath("CHIMERA_API_SOCKET", ""); p != "" {
		return p
	}
	if dirWritable(filepath.Dir(defaultSocketPath)) {
		return defaultSocketPath
	}
	return filepath.Join(os.TempDir(), "chimera-"+strconv.Itoa(os.Getuid()), "api.sock")
}

// resolveDBPath picks the store file: the environment override, the
// service path when its directory is writable, or a local data/ path
// for ad-hoc runs.
func resolveDBPath() string {
	if p := GetSanitizedEnvPath("CHIMERA_DB_PATH", ""); p != "" {
		return p
	}
	if dirWritable(filepath.Dir(serviceDBPath)) {
		return serviceDBPath
	}
	return filepath.Join("data", "chimera.duckdb")
}

func dirWritable(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}
	probe, err := os.CreateTemp(dir, ".chimera-probe-*")
	if err != nil {
		return false
	}
	probe.Close()
	os.Remove(probe.Name())
	return true
}

// GetSanitizedEnvString reads a case-insensitive setting: trimmed,
// lowercased, default on empty.
func GetSanitizedEnvString(key string, defaultValue string) string {
	value := os.Getenv(key)

	if value == "" {
		return defaultValue
	}

	value = strings.TrimSpace(value)
	value = strings.ToLower(value)

	return value
}

// GetSanitizedEnvPath reads a filesystem path setting. Paths are
// case-sensitive, so only whitespace is trimmed.
func GetSanitizedEnvPath(key string, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))

	if value == "" {
		return defaultValue
	}

	return value
}

// GetSanitizedEnvInt64 reads a numeric setting, falling back to the
// default on anything unparseable.
func GetSanitizedEnvInt64(key string, defaultValue int64) int64 {
	value := os.Getenv(key)

	if value == "" {
		return defaultValue
	}

	value = strings.TrimSpace(value)

	intValue, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return defaultValue
	}

	return intValue
}
