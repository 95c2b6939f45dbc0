// Package config loads the frozen configuration value the core treats
// as an external collaborator (spec.md §1, §6): a JSON file overlaid
// with environment variables, the same two-layer shape
// talhaorak-gTorrent's go.mod dependency on godotenv implies for a
// torrent-client CLI, adopted here since the teacher hardcodes its
// output directory and port instead of reading either.
package config

import (
	"encoding/json"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"torrentcore/internal/coordinator"
	"torrentcore/internal/torrenterr"
)

// Config is the full set of recognised options from spec.md §6.
type Config struct {
	Port                     uint16 `json:"port"`
	DownloadPath             string `json:"download_path"`
	LogPath                  string `json:"log_path"`
	MaxConnectionsPerTorrent int    `json:"max_connections_per_torrent"`
	PeerReadTimeoutMs        int64  `json:"peer_read_timeout_ms"`
	AnnounceRetryMaxMs       int64  `json:"announce_retry_max_ms"`
}

// Default returns the configuration used when no file or environment
// override is present.
func Default() Config {
	return Config{
		Port:                     6881,
		DownloadPath:             "./downloads",
		LogPath:                  "./logs",
		MaxConnectionsPerTorrent: 4,
		PeerReadTimeoutMs:        30000,
		AnnounceRetryMaxMs:       60000,
	}
}

// Load builds a Config starting from Default, overlaid by the JSON
// file at path (if path is non-empty) and then by any recognised
// TORRENTCORE_* environment variable, loading a .env file into the
// process environment first via godotenv if one exists in the working
// directory.
func Load(path string) (Config, error) {
	cfg := Default()

	_ = godotenv.Load() // optional; a missing .env file is not an error

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, torrenterr.New(torrenterr.Config, "config.Load", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, torrenterr.New(torrenterr.Config, "config.Load", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv("TORRENTCORE_PORT"); ok {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return torrenterr.New(torrenterr.Config, "config.applyEnv", err)
		}
		c.Port = uint16(n)
	}
	if v, ok := os.LookupEnv("TORRENTCORE_DOWNLOAD_PATH"); ok {
		c.DownloadPath = v
	}
	if v, ok := os.LookupEnv("TORRENTCORE_LOG_PATH"); ok {
		c.LogPath = v
	}
	if v, ok := os.LookupEnv("TORRENTCORE_MAX_CONNECTIONS_PER_TORRENT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return torrenterr.New(torrenterr.Config, "config.applyEnv", err)
		}
		c.MaxConnectionsPerTorrent = n
	}
	if v, ok := os.LookupEnv("TORRENTCORE_PEER_READ_TIMEOUT_MS"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return torrenterr.New(torrenterr.Config, "config.applyEnv", err)
		}
		c.PeerReadTimeoutMs = n
	}
	if v, ok := os.LookupEnv("TORRENTCORE_ANNOUNCE_RETRY_MAX_MS"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return torrenterr.New(torrenterr.Config, "config.applyEnv", err)
		}
		c.AnnounceRetryMaxMs = n
	}
	return nil
}

func (c Config) validate() error {
	if c.Port == 0 {
		return torrenterr.New(torrenterr.Config, "config.validate", errInvalid("port must be non-zero"))
	}
	if c.DownloadPath == "" {
		return torrenterr.New(torrenterr.Config, "config.validate", errInvalid("download_path must not be empty"))
	}
	if c.MaxConnectionsPerTorrent <= 0 {
		return torrenterr.New(torrenterr.Config, "config.validate", errInvalid("max_connections_per_torrent must be positive"))
	}
	return nil
}

type errInvalid string

func (e errInvalid) Error() string { return string(e) }

// CoordinatorConfig projects the recognised options onto the subset
// internal/coordinator.Coordinator needs.
func (c Config) CoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		DownloadPath:     c.DownloadPath,
		MaxConnections:   c.MaxConnectionsPerTorrent,
		PeerReadTimeout:  c.PeerReadTimeoutMs,
		Port:             c.Port,
		AnnounceRetryMax: c.AnnounceRetryMaxMs,
	}
}
