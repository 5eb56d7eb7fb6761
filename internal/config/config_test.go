package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

// mockSecrets is a test double for the secretStore interface.
type mockSecrets map[string]string

func (m mockSecrets) Get(account string) (string, error) {
	v, ok := m[account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func writeTempConfig(t *testing.T, content string) *fileBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if content != "" {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return newFileBackend(path)
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

// TestDefaults verifies all default values are applied when no config file exists.
func TestDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg-data")

	cfg, err := loadWith(writeTempConfig(t, ""), mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want 127.0.0.1", cfg.Server.Host)
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("Ollama.BaseURL = %q, want %q", cfg.Ollama.BaseURL, "http://localhost:11434")
	}
	if cfg.Ollama.Model != "llama3.2:latest" {
		t.Errorf("Ollama.Model = %q, want %q", cfg.Ollama.Model, "llama3.2:latest")
	}
	if cfg.NVD.BaseURL != "https://services.nvd.nist.gov/rest/json/cves/2.0" {
		t.Errorf("NVD.BaseURL = %q", cfg.NVD.BaseURL)
	}
	if cfg.Storage.DataDir != "/tmp/xdg-data/cvehunter" {
		t.Errorf("Storage.DataDir = %q, want /tmp/xdg-data/cvehunter", cfg.Storage.DataDir)
	}
	if cfg.NotesDir() != "/tmp/xdg-data/cvehunter/obsidian_cves" {
		t.Errorf("NotesDir() = %q", cfg.NotesDir())
	}
	if cfg.Addr() != "127.0.0.1:5000" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
}

// TestFileOverridesDefaults verifies values in config.json replace defaults.
func TestFileOverridesDefaults(t *testing.T) {
	clearEnv(t)

	b := writeTempConfig(t, `{
  "server.port": 6000,
  "ollama.model": "mistral",
  "notes.dir": "/vault/cves"
}`)
	cfg, err := loadWith(b, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Ollama.Model != "mistral" {
		t.Errorf("Ollama.Model = %q, want mistral", cfg.Ollama.Model)
	}
	if cfg.NotesDir() != "/vault/cves" {
		t.Errorf("NotesDir() = %q, want /vault/cves", cfg.NotesDir())
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("CVEHUNTER_OLLAMA_BASE_URL", "http://gpu-box:11434/api/generate")
	t.Setenv("CVEHUNTER_SERVER_PORT", "7000")
	t.Setenv("CVEHUNTER_CHAT_TOKEN", "env-token")

	b := writeTempConfig(t, `{"server.port": 6000}`)
	cfg, err := loadWith(b, mockSecrets{"chat.token": "file-token"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 7000 {
		t.Errorf("Server.Port = %d, want 7000", cfg.Server.Port)
	}
	if cfg.Ollama.BaseURL != "http://gpu-box:11434/api/generate" {
		t.Errorf("Ollama.BaseURL = %q", cfg.Ollama.BaseURL)
	}
	if cfg.Chat.Token != "env-token" {
		t.Errorf("Chat.Token = %q, want env-token", cfg.Chat.Token)
	}
}

// TestInvalidEnvIntIgnored verifies that a malformed integer keeps the previous value.
func TestInvalidEnvIntIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("CVEHUNTER_SERVER_PORT", "not-a-number")

	cfg, err := loadWith(writeTempConfig(t, ""), mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
}

func TestInvalidPortRejected(t *testing.T) {
	clearEnv(t)

	_, err := loadWith(writeTempConfig(t, `{"server.port": 70000}`), mockSecrets{})
	if err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestSecretsFromStore(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(writeTempConfig(t, `{"chat.token": "ignored"}`), mockSecrets{
		"chat.token":  "stored-token",
		"nvd.api_key": "nvd-key",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Chat.Token != "stored-token" {
		t.Errorf("Chat.Token = %q, want stored-token", cfg.Chat.Token)
	}
	if cfg.NVD.APIKey != "nvd-key" {
		t.Errorf("NVD.APIKey = %q, want nvd-key", cfg.NVD.APIKey)
	}
}

func TestValidateChatToken(t *testing.T) {
	tests := []struct {
		token string
		ok    bool
	}{
		{"", false},
		{"   ", false},
		{"changeme", false},
		{"YOUR-TOKEN-HERE", false},
		{"<token>", false},
		{"s3cr3t-chat-token", true},
	}
	for _, tt := range tests {
		cfg := Config{Chat: ChatConfig{Token: tt.token}}
		err := cfg.ValidateChatToken()
		if tt.ok && err != nil {
			t.Errorf("ValidateChatToken(%q) = %v, want nil", tt.token, err)
		}
		if !tt.ok && !errors.Is(err, ErrChatToken) {
			t.Errorf("ValidateChatToken(%q) = %v, want ErrChatToken", tt.token, err)
		}
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := (Config{Log: LogConfig{Level: in}}).SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Chat.Token = "top-secret"
	cfg.NVD.APIKey = "nvd-secret"

	for _, ki := range ShowAll(cfg) {
		if ki.Key == "chat.token" || ki.Key == "nvd.api_key" {
			t.Errorf("secret key %s listed", ki.Key)
		}
		if ki.Value == "top-secret" || ki.Value == "nvd-secret" {
			t.Errorf("secret value leaked under %s", ki.Key)
		}
	}
}

func TestSetKeyWith(t *testing.T) {
	b := writeTempConfig(t, "")

	if err := setKeyWith(b, "server.port", "8080"); err != nil {
		t.Fatalf("setKeyWith: %v", err)
	}
	if err := setKeyWith(b, "ollama.model", "mistral"); err != nil {
		t.Fatalf("setKeyWith: %v", err)
	}
	if err := setKeyWith(b, "server.port", "abc"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := setKeyWith(b, "chat.token", "x"); err == nil {
		t.Error("expected error for secret key")
	}
	if err := setKeyWith(b, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}

	reloaded := newFileBackend(b.path)
	if v, ok, err := reloaded.GetInt("server.port"); err != nil || !ok || v != 8080 {
		t.Errorf("server.port = %d, %v, %v; want 8080", v, ok, err)
	}
	if v, ok, _ := reloaded.GetString("ollama.model"); !ok || v != "mistral" {
		t.Errorf("ollama.model = %q, want mistral", v)
	}
}

func TestSecretsFileRoundTrip(t *testing.T) {
	s := secretsFile{path: filepath.Join(t.TempDir(), "nested", "secrets.json")}

	if _, err := s.Get("chat.token"); err == nil {
		t.Error("expected error reading missing secrets file")
	}
	if err := s.Set("chat.token", "abc"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set("nvd.api_key", "def"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, err := s.Get("chat.token"); err != nil || v != "abc" {
		t.Errorf("Get(chat.token) = %q, %v", v, err)
	}

	info, err := os.Stat(s.path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("secrets file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestValidKeysExcludeSecrets(t *testing.T) {
	for _, k := range ValidKeys() {
		if k == "chat.token" || k == "nvd.api_key" {
			t.Errorf("ValidKeys contains secret %s", k)
		}
	}
	if len(SecretKeys()) != 2 {
		t.Errorf("SecretKeys() = %v, want 2 entries", SecretKeys())
	}
}
