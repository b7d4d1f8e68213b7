package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "tranzit"
	// DefaultControlPort is the TLS control-plane port.
	DefaultControlPort = 21212
	// DefaultHeartbeatPort is the plain TCP ping/pong port.
	DefaultHeartbeatPort = 21112
	// StorageBackendDir streams received files into DownloadDir.
	StorageBackendDir = "dir"
	// StorageBackendBlob stores received files as rows in the local database.
	StorageBackendBlob = "blob"
	// ControlPortEnv overrides the configured control port when set to a valid port.
	ControlPortEnv = "HTTPS_PORT"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "TRANZIT_DATA_DIR"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// databaseFileName holds the received-file ledger and blob store.
	databaseFileName = "tranzit.db"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID       string `json:"device_id"`
	DeviceName     string `json:"device_name"`
	ControlPort    int    `json:"control_port"`
	HeartbeatPort  int    `json:"heartbeat_port"`
	DownloadDir    string `json:"download_dir"`
	StorageBackend string `json:"storage_backend"`
	MetricsAddress string `json:"metrics_address"`
	AutoAccept     bool   `json:"auto_accept"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If TRANZIT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// DatabasePath returns the SQLite database path for a data directory.
func DatabasePath(dataDir string) string {
	return filepath.Join(dataDir, databaseFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "files"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the config,
// its path and the data directory it lives in.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

// ControlPort returns the control-plane port, honouring the HTTPS_PORT
// override. An unset, unparsable or out-of-range override falls back to the
// configured value, and an unset configured value to DefaultControlPort.
func ControlPort(cfg *DeviceConfig) int {
	if raw := os.Getenv(ControlPortEnv); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil && validPort(port) {
			return port
		}
	}
	if cfg != nil && validPort(cfg.ControlPort) {
		return cfg.ControlPort
	}
	return DefaultControlPort
}

// HeartbeatPort returns the configured heartbeat port or DefaultHeartbeatPort.
func HeartbeatPort(cfg *DeviceConfig) int {
	if cfg != nil && validPort(cfg.HeartbeatPort) {
		return cfg.HeartbeatPort
	}
	return DefaultHeartbeatPort
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}

func defaultConfig(dataDir string) *DeviceConfig {
	return &DeviceConfig{
		DeviceID:       uuid.NewString(),
		DeviceName:     defaultDeviceName(),
		ControlPort:    DefaultControlPort,
		HeartbeatPort:  DefaultHeartbeatPort,
		DownloadDir:    defaultDownloadDir(dataDir),
		StorageBackend: StorageBackendDir,
	}
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "Tranzit Device"
}

func defaultDownloadDir(dataDir string) string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		downloads := filepath.Join(home, "Downloads")
		if info, err := os.Stat(downloads); err == nil && info.IsDir() {
			return downloads
		}
	}
	return filepath.Join(dataDir, "files")
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	if !validPort(cfg.ControlPort) {
		cfg.ControlPort = DefaultControlPort
		updated = true
	}

	if !validPort(cfg.HeartbeatPort) {
		cfg.HeartbeatPort = DefaultHeartbeatPort
		updated = true
	}

	if cfg.DownloadDir == "" {
		cfg.DownloadDir = defaultDownloadDir(dataDir)
		updated = true
	}

	backend := normalizeStorageBackend(cfg.StorageBackend)
	if cfg.StorageBackend != backend {
		cfg.StorageBackend = backend
		updated = true
	}

	return updated
}

func normalizeStorageBackend(backend string) string {
	switch backend {
	case StorageBackendBlob:
		return StorageBackendBlob
	default:
		return StorageBackendDir
	}
}
