package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaultsWithNoFileOrEnv(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if cfg != want {
		t.Fatalf("Load(\"\") = %+v, want defaults %+v", cfg, want)
	}
}

func TestLoadOverlaysJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"port": 7000, "download_path": "/data/torrents", "max_connections_per_torrent": 8}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 7000 {
		t.Fatalf("Port = %d, want 7000", cfg.Port)
	}
	if cfg.DownloadPath != "/data/torrents" {
		t.Fatalf("DownloadPath = %q, want /data/torrents", cfg.DownloadPath)
	}
	if cfg.MaxConnectionsPerTorrent != 8 {
		t.Fatalf("MaxConnectionsPerTorrent = %d, want 8", cfg.MaxConnectionsPerTorrent)
	}
	// Fields absent from the JSON keep their defaults.
	if cfg.LogPath != Default().LogPath {
		t.Fatalf("LogPath = %q, want default %q", cfg.LogPath, Default().LogPath)
	}
}

func TestEnvOverridesTakePrecedenceOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"port": 7000}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	t.Setenv("TORRENTCORE_PORT", "9999")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9999 {
		t.Fatalf("Port = %d, want env override 9999", cfg.Port)
	}
}

func TestLoadRejectsZeroPort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"port": 0, "download_path": "x", "max_connections_per_torrent": 1}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("Load did not reject a zero port")
	}
}

func TestCoordinatorConfigProjectsRecognisedFields(t *testing.T) {
	cfg := Default()
	cc := cfg.CoordinatorConfig()
	if cc.DownloadPath != cfg.DownloadPath || cc.MaxConnections != cfg.MaxConnectionsPerTorrent ||
		cc.PeerReadTimeout != cfg.PeerReadTimeoutMs || cc.Port != cfg.Port || cc.AnnounceRetryMax != cfg.AnnounceRetryMaxMs {
		t.Fatalf("CoordinatorConfig() = %+v did not project Config %+v faithfully", cc, cfg)
	}
}
