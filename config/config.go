// Package config handles application configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

const (
	appName        = "orbit"
	configFileName = "config.json"
)

// Preferences holds per-user call defaults.
type Preferences struct {
	DefaultMicOn   bool `json:"default_mic_on"`
	DefaultVideoOn bool `json:"default_video_on"`
	SpeakerOn      bool `json:"speaker_on"`
	ShowCaptions   bool `json:"show_captions"`
}

// Config represents the application configuration.
type Config struct {
	// Realtime channel backend
	RealtimeURL string `json:"realtime_url"`
	RealtimeKey string `json:"realtime_key,omitempty"`

	// Translate/synthesize backend
	AIAPIKey       string `json:"ai_api_key,omitempty"`
	AIBaseURL      string `json:"ai_base_url,omitempty"`
	TranslateModel string `json:"translate_model,omitempty"`
	SpeechModel    string `json:"speech_model,omitempty"`
	DefaultVoice   string `json:"default_voice,omitempty"`

	// Voice sample storage (best-effort)
	StorageURL string `json:"storage_url,omitempty"`

	// Local data directory (history, retry queue)
	DataDir string `json:"data_dir,omitempty"`

	Preferences Preferences `json:"preferences"`
}

// Load loads configuration from the config file, then applies
// environment overrides. Returns default config if the file does not
// exist.
func Load() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, fmt.Errorf("get config path: %w", err)
	}

	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save persists the configuration to disk.
func (c *Config) Save() error {
	path, err := configPath()
	if err != nil {
		return fmt.Errorf("get config path: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// applyEnv loads a .env file if present and overlays ORBIT_* variables
// on top of the file config. Env always wins.
func (c *Config) applyEnv() error {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("load .env: %w", err)
		}
	}

	overlay := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	overlay(&c.RealtimeURL, "ORBIT_REALTIME_URL")
	overlay(&c.RealtimeKey, "ORBIT_REALTIME_KEY")
	overlay(&c.AIAPIKey, "ORBIT_AI_API_KEY")
	overlay(&c.AIBaseURL, "ORBIT_AI_BASE_URL")
	overlay(&c.TranslateModel, "ORBIT_TRANSLATE_MODEL")
	overlay(&c.SpeechModel, "ORBIT_SPEECH_MODEL")
	overlay(&c.DefaultVoice, "ORBIT_DEFAULT_VOICE")
	overlay(&c.StorageURL, "ORBIT_STORAGE_URL")
	overlay(&c.DataDir, "ORBIT_DATA_DIR")
	return nil
}

// Validate checks that required fields are present.
func (c *Config) Validate() error {
	if c.RealtimeURL == "" {
		return fmt.Errorf("realtime url required")
	}
	if c.AIAPIKey == "" {
		return fmt.Errorf("ai api key required")
	}
	return nil
}

func configPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("get user config dir: %w", err)
	}
	return filepath.Join(dir, appName, configFileName), nil
}

func defaultConfig() *Config {
	return &Config{
		TranslateModel: "gpt-4o-mini",
		SpeechModel:    "tts-1",
		DefaultVoice:   "Fenrir",
		Preferences: Preferences{
			DefaultMicOn:   true,
			DefaultVideoOn: true,
			SpeakerOn:      true,
			ShowCaptions:   true,
		},
	}
}

// DataPath returns the directory for local data, creating it if needed.
func (c *Config) DataPath() (string, error) {
	dir := c.DataDir
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("get user config dir: %w", err)
		}
		dir = filepath.Join(base, appName, "data")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	return dir, nil
}
