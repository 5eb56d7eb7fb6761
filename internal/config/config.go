package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/kalambet/cvehunter/internal/notes"
	"github.com/kalambet/cvehunter/internal/nvd"
)

type Config struct {
	Server  ServerConfig
	NVD     NVDConfig
	Ollama  OllamaConfig
	Storage StorageConfig
	Notes   NotesConfig
	Log     LogConfig
	Chat    ChatConfig
}

type ServerConfig struct {
	Port int
	Host string
}

type NVDConfig struct {
	BaseURL string
	APIKey  string
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type StorageConfig struct {
	DataDir string
}

type NotesConfig struct {
	// Dir defaults to <data_dir>/obsidian_cves when empty.
	Dir string
}

type LogConfig struct {
	Level string
}

type ChatConfig struct {
	Token string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 5000,
			Host: "127.0.0.1",
		},
		NVD: NVDConfig{
			BaseURL: nvd.DefaultBaseURL,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
			Model:   "llama3.2:latest",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file, the secrets file and
// environment variables (CVEHUNTER_*), in increasing order of precedence.
func Load() (Config, error) {
	return loadWith(newDefaultBackend(), defaultSecrets())
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applySecrets(&cfg, secrets)
	applyEnvOverrides(&cfg)

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return Config{}, fmt.Errorf("invalid server.port %d", cfg.Server.Port)
	}
	if cfg.Storage.DataDir == "" {
		return Config{}, fmt.Errorf("storage.data_dir must not be empty")
	}

	return cfg, nil
}

// NotesDir returns the markdown notes directory.
func (c Config) NotesDir() string {
	if c.Notes.Dir != "" {
		return c.Notes.Dir
	}
	return filepath.Join(c.Storage.DataDir, notes.DirName)
}

// Addr returns the dashboard listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// SlogLevel maps log.level to a slog level. Unknown values mean info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ErrChatToken is returned when the chat token is missing or still a placeholder.
var ErrChatToken = errors.New("chat token is not configured")

var placeholderTokens = []string{
	"changeme",
	"change-me",
	"your-token-here",
	"your_token_here",
	"paste-your-token-here",
	"<token>",
	"token",
	"xxx",
}

// ValidateChatToken checks that a usable chat token is configured.
func (c Config) ValidateChatToken() error {
	tok := strings.TrimSpace(c.Chat.Token)
	if tok == "" {
		return fmt.Errorf("%w: set environment variable CVEHUNTER_CHAT_TOKEN", ErrChatToken)
	}
	for _, p := range placeholderTokens {
		if strings.EqualFold(tok, p) {
			return fmt.Errorf("%w: %q is a placeholder, set CVEHUNTER_CHAT_TOKEN to a real value", ErrChatToken, tok)
		}
	}
	return nil
}
