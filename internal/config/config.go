// Package config loads and persists clipmesh's configuration document,
// stored as indented JSON under a platform application-data directory.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the full set of persisted settings.
type Config struct {
	ServerPort             int    `json:"server_port"`
	TunnelEnabled          bool   `json:"tunnel_enabled"`
	AutoSync               bool   `json:"auto_sync"`
	SyncIntervalMs         int    `json:"sync_interval_ms"`
	MaxContentSize         int64  `json:"max_content_size"`
	MaxFileSize            int64  `json:"max_file_size"`
	MaxTotalFileSize       int64  `json:"max_total_file_size"`
	ChunkThreshold         int64  `json:"chunk_threshold"`
	ChunkSize              int64  `json:"chunk_size"`
	MaxConcurrentTransfers int    `json:"max_concurrent_transfers"`
	TransferTimeout        int    `json:"transfer_timeout"`
	ResumeEnabled          bool   `json:"resume_enabled"`
	HistoryEnabled         bool   `json:"history_enabled"`
	MaxHistoryItems        int    `json:"max_history_items"`
	Theme                  string `json:"theme"`
	AlwaysOnTop            bool   `json:"always_on_top"`
	MinimizeToTray         bool   `json:"minimize_to_tray"`
	StartMinimized         bool   `json:"start_minimized"`
	EncryptionEnabled      bool   `json:"encryption_enabled"`
	ConnectionPassword     string `json:"connection_password"`
}

// Default returns the built-in defaults, matching the original
// implementation's values.
func Default() Config {
	const (
		mib = 1024 * 1024
	)
	return Config{
		ServerPort:             2580,
		TunnelEnabled:          false,
		AutoSync:               true,
		SyncIntervalMs:         500,
		MaxContentSize:         10 * mib,
		MaxFileSize:            50 * mib,
		MaxTotalFileSize:       100 * mib,
		ChunkThreshold:         10 * mib,
		ChunkSize:              256 * 1024,
		MaxConcurrentTransfers: 3,
		TransferTimeout:        300,
		ResumeEnabled:          true,
		HistoryEnabled:         true,
		MaxHistoryItems:        100,
		Theme:                  "system",
		AlwaysOnTop:            false,
		MinimizeToTray:         true,
		StartMinimized:         false,
		EncryptionEnabled:      false,
		ConnectionPassword:     "",
	}
}

// Dir resolves the platform application-data directory for clipmesh,
// creating it if necessary.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve user config dir: %w", err)
	}
	dir := filepath.Join(base, "clipmesh")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("config: create config dir: %w", err)
	}
	return dir, nil
}

// Load reads config.json from dir, returning Default() if it does not yet
// exist.
func Load(dir string) (Config, error) {
	path := filepath.Join(dir, "config.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode config file: %w", err)
	}
	return cfg, nil
}

// Save atomically writes cfg to dir/config.json via a temp file + rename,
// matching the engine's durable-persistence idiom.
func Save(dir string, cfg Config) error {
	path := filepath.Join(dir, "config.json")
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("config: open temp config file: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&cfg); err != nil {
		f.Close()
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("config: close temp config file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("config: atomic rename config file: %w", err)
	}
	return nil
}
