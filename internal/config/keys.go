package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "CVEHUNTER_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.host", typ: kString, env: "CVEHUNTER_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "nvd.base_url", typ: kString, env: "CVEHUNTER_NVD_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.NVD.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.NVD.BaseURL },
	},
	{
		key: "nvd.api_key", typ: kString, env: "CVEHUNTER_NVD_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.NVD.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.NVD.APIKey },
	},
	{
		key: "ollama.base_url", typ: kString, env: "CVEHUNTER_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.model", typ: kString, env: "CVEHUNTER_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Model },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CVEHUNTER_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "notes.dir", typ: kString, env: "CVEHUNTER_NOTES_DIR",
		apply:   func(cfg *Config, v any) { cfg.Notes.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.NotesDir() },
	},
	{
		key: "log.level", typ: kString, env: "CVEHUNTER_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "chat.token", typ: kString, env: "CVEHUNTER_CHAT_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Chat.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.Token },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applySecrets(cfg *Config, secrets secretStore) {
	for _, s := range specs {
		if !s.secret {
			continue
		}
		if v, err := secrets.Get(s.key); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
