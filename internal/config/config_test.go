package config

import (
	"strings"
	"testing"
	"time"
)

const testMasterKey = "5f4dcc3b5aa765d61d8327deb882cf995f4dcc3b5aa765d61d8327deb882cf99"

// TestLoadDefaults is not t.Parallel because it mutates process-wide
// environment variables.
func TestLoadDefaults(t *testing.T) {
	keys := []string{
		"SERVER_PORT", "SERVER_ENV", "SERVER_URL",
		"DATABASE_URL", "DATABASE_MAX_CONNS", "DATABASE_MIN_CONNS",
		"VALKEY_URL",
		"INTERNAL_CALLBACK_SECRET", "INTERNAL_CALLBACK_URL",
		"SANDBOX_PROVIDER_URL", "SANDBOX_PROVIDER_TOKEN", "SANDBOX_PROVIDER", "CONTROL_PLANE_URL",
		"DEFAULT_MODEL",
		"GITHUB_APP_ID", "GITHUB_APP_PRIVATE_KEY", "GITHUB_APP_INSTALLATION_ID",
		"SPAWN_COOLDOWN", "SPAWN_READY_WAIT", "SPAWN_BREAKER_THRESHOLD", "SPAWN_BREAKER_WINDOW",
		"INACTIVITY_TIMEOUT", "INACTIVITY_EXTENSION", "MIN_CHECK_INTERVAL",
		"HEARTBEAT_INTERVAL", "HEARTBEAT_STALE_AFTER", "PUSH_TIMEOUT",
		"SUBSCRIBE_TIMEOUT", "OUTBOUND_HTTP_TIMEOUT", "HOST_TOKEN_EXPIRY_SKEW",
		"HISTORY_MESSAGE_LIMIT", "HISTORY_EVENT_LIMIT",
		"CORS_ALLOW_ORIGINS",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}

	// ENCRYPTION_MASTER_KEY is required by validation
	t.Setenv("ENCRYPTION_MASTER_KEY", testMasterKey)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	// Core defaults
	if cfg.ServerPort != 8080 {
		t.Errorf("ServerPort = %d, want 8080", cfg.ServerPort)
	}
	if cfg.ServerEnv != "production" {
		t.Errorf("ServerEnv = %q, want %q", cfg.ServerEnv, "production")
	}

	// Database defaults
	if cfg.DatabaseMaxConn != 25 {
		t.Errorf("DatabaseMaxConn = %d, want 25", cfg.DatabaseMaxConn)
	}
	if cfg.DatabaseMinConn != 5 {
		t.Errorf("DatabaseMinConn = %d, want 5", cfg.DatabaseMinConn)
	}

	// Provider defaults
	if cfg.ProviderName != "modal" {
		t.Errorf("ProviderName = %q, want %q", cfg.ProviderName, "modal")
	}
	if cfg.DefaultModel != "claude-sonnet-4-5" {
		t.Errorf("DefaultModel = %q, want %q", cfg.DefaultModel, "claude-sonnet-4-5")
	}

	// Lifecycle defaults
	if cfg.SpawnCooldown != 30*time.Second {
		t.Errorf("SpawnCooldown = %v, want 30s", cfg.SpawnCooldown)
	}
	if cfg.ReadyWait != 60*time.Second {
		t.Errorf("ReadyWait = %v, want 60s", cfg.ReadyWait)
	}
	if cfg.BreakerThreshold != 3 {
		t.Errorf("BreakerThreshold = %d, want 3", cfg.BreakerThreshold)
	}
	if cfg.BreakerWindow != 5*time.Minute {
		t.Errorf("BreakerWindow = %v, want 5m", cfg.BreakerWindow)
	}
	if cfg.InactivityTimeout != 10*time.Minute {
		t.Errorf("InactivityTimeout = %v, want 10m", cfg.InactivityTimeout)
	}
	if cfg.PushTimeout != 180*time.Second {
		t.Errorf("PushTimeout = %v, want 180s", cfg.PushTimeout)
	}
	if cfg.HistoryMessageLimit != 100 {
		t.Errorf("HistoryMessageLimit = %d, want 100", cfg.HistoryMessageLimit)
	}
	if cfg.HistoryEventLimit != 500 {
		t.Errorf("HistoryEventLimit = %d, want 500", cfg.HistoryEventLimit)
	}

	// CORS defaults
	if cfg.CORSAllowOrigins != "*" {
		t.Errorf("CORSAllowOrigins = %q, want %q", cfg.CORSAllowOrigins, "*")
	}
}

func TestLoadValidationRequiresMasterKey(t *testing.T) {
	t.Setenv("ENCRYPTION_MASTER_KEY", "")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want validation error for missing ENCRYPTION_MASTER_KEY")
	}
	if !strings.Contains(err.Error(), "ENCRYPTION_MASTER_KEY") {
		t.Errorf("error %q does not mention ENCRYPTION_MASTER_KEY", err.Error())
	}
}

func TestLoadValidationRejectsShortMasterKey(t *testing.T) {
	t.Setenv("ENCRYPTION_MASTER_KEY", "deadbeef")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want validation error for short master key")
	}
	if !strings.Contains(err.Error(), "64 hex characters") {
		t.Errorf("error %q does not mention the key length requirement", err.Error())
	}
}

func TestLoadValidationCallbackSecretRequiredWithURL(t *testing.T) {
	t.Setenv("ENCRYPTION_MASTER_KEY", testMasterKey)
	t.Setenv("INTERNAL_CALLBACK_URL", "https://hooks.example.com/done")
	t.Setenv("INTERNAL_CALLBACK_SECRET", "")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want validation error for missing callback secret")
	}
	if !strings.Contains(err.Error(), "INTERNAL_CALLBACK_SECRET") {
		t.Errorf("error %q does not mention INTERNAL_CALLBACK_SECRET", err.Error())
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENCRYPTION_MASTER_KEY", testMasterKey)
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("SERVER_ENV", "development")
	t.Setenv("DATABASE_MAX_CONNS", "50")
	t.Setenv("SANDBOX_PROVIDER", "firecracker")
	t.Setenv("DEFAULT_MODEL", "claude-opus-4-5")
	t.Setenv("SPAWN_COOLDOWN", "45s")
	t.Setenv("INACTIVITY_TIMEOUT", "30m")
	t.Setenv("GITHUB_APP_INSTALLATION_ID", "67890")
	t.Setenv("CORS_ALLOW_ORIGINS", "https://app.particl.dev")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.ServerPort != 9090 {
		t.Errorf("ServerPort = %d, want 9090", cfg.ServerPort)
	}
	if cfg.ServerEnv != "development" {
		t.Errorf("ServerEnv = %q, want %q", cfg.ServerEnv, "development")
	}
	if cfg.DatabaseMaxConn != 50 {
		t.Errorf("DatabaseMaxConn = %d, want 50", cfg.DatabaseMaxConn)
	}
	if cfg.ProviderName != "firecracker" {
		t.Errorf("ProviderName = %q, want %q", cfg.ProviderName, "firecracker")
	}
	if cfg.DefaultModel != "claude-opus-4-5" {
		t.Errorf("DefaultModel = %q, want %q", cfg.DefaultModel, "claude-opus-4-5")
	}
	if cfg.SpawnCooldown != 45*time.Second {
		t.Errorf("SpawnCooldown = %v, want 45s", cfg.SpawnCooldown)
	}
	if cfg.InactivityTimeout != 30*time.Minute {
		t.Errorf("InactivityTimeout = %v, want 30m", cfg.InactivityTimeout)
	}
	if cfg.GithubInstallationID != 67890 {
		t.Errorf("GithubInstallationID = %d, want 67890", cfg.GithubInstallationID)
	}
	if cfg.CORSAllowOrigins != "https://app.particl.dev" {
		t.Errorf("CORSAllowOrigins = %q, want %q", cfg.CORSAllowOrigins, "https://app.particl.dev")
	}
}

func TestLoadInvalidInt(t *testing.T) {
	t.Setenv("ENCRYPTION_MASTER_KEY", testMasterKey)
	t.Setenv("SERVER_PORT", "not-a-number")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want parse error")
	}
	if !strings.Contains(err.Error(), "SERVER_PORT") {
		t.Errorf("error %q does not mention SERVER_PORT", err.Error())
	}
	if !strings.Contains(err.Error(), "not-a-number") {
		t.Errorf("error %q does not include the invalid value", err.Error())
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	t.Setenv("ENCRYPTION_MASTER_KEY", testMasterKey)
	t.Setenv("SPAWN_COOLDOWN", "soon")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want parse error")
	}
	if !strings.Contains(err.Error(), "SPAWN_COOLDOWN") {
		t.Errorf("error %q does not mention SPAWN_COOLDOWN", err.Error())
	}
}

func TestLoadMultipleErrors(t *testing.T) {
	t.Setenv("ENCRYPTION_MASTER_KEY", testMasterKey)
	t.Setenv("SERVER_PORT", "abc")
	t.Setenv("DATABASE_MAX_CONNS", "xyz")
	t.Setenv("PUSH_TIMEOUT", "later")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want multiple parse errors")
	}

	errStr := err.Error()
	if !strings.Contains(errStr, "SERVER_PORT") {
		t.Errorf("error missing SERVER_PORT, got: %s", errStr)
	}
	if !strings.Contains(errStr, "DATABASE_MAX_CONNS") {
		t.Errorf("error missing DATABASE_MAX_CONNS, got: %s", errStr)
	}
	if !strings.Contains(errStr, "PUSH_TIMEOUT") {
		t.Errorf("error missing PUSH_TIMEOUT, got: %s", errStr)
	}
}

func TestLoadValidationRejectsShortDurations(t *testing.T) {
	t.Setenv("ENCRYPTION_MASTER_KEY", testMasterKey)
	t.Setenv("MIN_CHECK_INTERVAL", "100ms")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want validation error for sub-second interval")
	}
	if !strings.Contains(err.Error(), "MIN_CHECK_INTERVAL") {
		t.Errorf("error %q does not mention MIN_CHECK_INTERVAL", err.Error())
	}
}

func TestIsDevelopment(t *testing.T) {
	tests := []struct {
		env  string
		want bool
	}{
		{"development", true},
		{"production", false},
		{"", false},
		{"staging", false},
	}
	for _, tt := range tests {
		cfg := &Config{ServerEnv: tt.env}
		if got := cfg.IsDevelopment(); got != tt.want {
			t.Errorf("IsDevelopment() with env=%q = %v, want %v", tt.env, got, tt.want)
		}
	}
}

func TestGithubAppConfigured(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want bool
	}{
		{"all set", Config{GithubAppID: "1", GithubAppPrivateKey: "pem", GithubInstallationID: 2}, true},
		{"missing app id", Config{GithubAppPrivateKey: "pem", GithubInstallationID: 2}, false},
		{"missing key", Config{GithubAppID: "1", GithubInstallationID: 2}, false},
		{"missing installation", Config{GithubAppID: "1", GithubAppPrivateKey: "pem"}, false},
	}
	for _, tt := range tests {
		if got := tt.cfg.GithubAppConfigured(); got != tt.want {
			t.Errorf("GithubAppConfigured() %s = %v, want %v", tt.name, got, tt.want)
		}
	}
}
