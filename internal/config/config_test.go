package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig() should validate, got %v", err)
	}
}

func TestValidate_RejectsBadPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTP.Port = -1
	if err := cfg.Validate(); err == nil {
		t.Error("negative port should fail validation")
	}

	cfg = DefaultConfig()
	cfg.HTTP.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Error("port above 65535 should fail validation")
	}
}

func TestValidate_RejectsEmptyUploadsDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Uploads.Dir = ""
	if err := cfg.Validate(); err == nil {
		t.Error("empty uploads dir should fail validation")
	}
}

func TestValidate_RejectsNonPositiveAdmission(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Admission.RequestsPerSecond = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero requests per second should fail validation")
	}
}

func TestLoadFromEnv_OverridesDefaults(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("UPLOADS_DIR", "/tmp/uploads")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("MAX_CLIENTS_PER_ROOM", "5")

	cfg := LoadFromEnv()

	if cfg.HTTP.Port != 9090 {
		t.Errorf("HTTP.Port = %d, want 9090", cfg.HTTP.Port)
	}
	if cfg.Uploads.Dir != "/tmp/uploads" {
		t.Errorf("Uploads.Dir = %q, want /tmp/uploads", cfg.Uploads.Dir)
	}
	if len(cfg.HTTP.AllowedOrigins) != 2 || cfg.HTTP.AllowedOrigins[0] != "https://a.example" {
		t.Errorf("AllowedOrigins = %v", cfg.HTTP.AllowedOrigins)
	}
	if cfg.Room.MaxClientsPerRoom != 5 {
		t.Errorf("Room.MaxClientsPerRoom = %d, want 5", cfg.Room.MaxClientsPerRoom)
	}
}

func TestLoadFromEnv_InvalidPortFallsBackToDefault(t *testing.T) {
	t.Setenv("PORT", "not-a-number")

	cfg := LoadFromEnv()
	if cfg.HTTP.Port != DefaultConfig().HTTP.Port {
		t.Errorf("HTTP.Port = %d, want default when env var is unparsable", cfg.HTTP.Port)
	}
}

func TestLoadFromFile_ParsesDurationsAndOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
		"http": {"port": 8081, "shutdown_timeout": "5s"},
		"uploads": {"dir": "/data/uploads"},
		"room": {"max_clients_per_room": 8}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.HTTP.Port != 8081 {
		t.Errorf("HTTP.Port = %d, want 8081", cfg.HTTP.Port)
	}
	if cfg.HTTP.ShutdownTimeout.String() != "5s" {
		t.Errorf("HTTP.ShutdownTimeout = %v, want 5s", cfg.HTTP.ShutdownTimeout)
	}
	if cfg.Uploads.Dir != "/data/uploads" {
		t.Errorf("Uploads.Dir = %q, want /data/uploads", cfg.Uploads.Dir)
	}
	if cfg.Room.MaxClientsPerRoom != 8 {
		t.Errorf("Room.MaxClientsPerRoom = %d, want 8", cfg.Room.MaxClientsPerRoom)
	}
}

func TestLoadFromFile_RejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"http": {"port": -1}}`), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := LoadFromFile(path); err == nil {
		t.Error("LoadFromFile() should reject a config that fails Validate()")
	}
}

func TestLoadFromFile_RejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"http": {`), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := LoadFromFile(path); err == nil {
		t.Error("LoadFromFile() should reject malformed JSON")
	}
}

func TestLoadConfigWithPrecedence_FileOverridesEnv(t *testing.T) {
	t.Setenv("PORT", "9090")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"http": {"port": 7070}}`), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg := LoadConfigWithPrecedence(path)
	if cfg.HTTP.Port != 7070 {
		t.Errorf("HTTP.Port = %d, want 7070 (file overrides env)", cfg.HTTP.Port)
	}
}

func TestLoadConfigWithPrecedence_MissingFileFallsBackToEnv(t *testing.T) {
	t.Setenv("PORT", "9091")

	cfg := LoadConfigWithPrecedence(filepath.Join(t.TempDir(), "missing.json"))
	if cfg.HTTP.Port != 9091 {
		t.Errorf("HTTP.Port = %d, want 9091 (env, since file is missing)", cfg.HTTP.Port)
	}
}

func TestLoadConfigWithPrecedence_EmptyPathUsesEnv(t *testing.T) {
	cfg := LoadConfigWithPrecedence("")
	if cfg.HTTP.Port != DefaultConfig().HTTP.Port {
		t.Errorf("HTTP.Port = %d, want default", cfg.HTTP.Port)
	}
}
