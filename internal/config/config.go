package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/tatianab/storyforge/internal/models"
)

// Config holds the application configuration.
type Config struct {
	GeminiAPIKey string `env:"GEMINI_API_KEY" yaml:"-"`
	TextModel    string `env:"STORY_TEXT_MODEL" envDefault:"gemini-2.5-flash" yaml:"text_model"`
	ImageModel   string `env:"STORY_IMAGE_MODEL" envDefault:"gemini-2.5-flash-image" yaml:"image_model"`

	SaveDir string `env:"STORY_SAVE_DIR" envDefault:".saves" yaml:"save_dir"`
	DBPath  string `env:"STORY_DB_PATH" yaml:"db_path"`
	LogFile string `env:"STORY_LOG_FILE" yaml:"log_file"`

	SessionTimeout time.Duration `env:"STORY_SESSION_TIMEOUT" envDefault:"30m" yaml:"session_timeout"`
	SetupTimeout   time.Duration `env:"STORY_SETUP_TIMEOUT" envDefault:"2h" yaml:"setup_timeout"`
	SweepInterval  time.Duration `env:"STORY_SWEEP_INTERVAL" envDefault:"5m" yaml:"sweep_interval"`
	RetryAttempts  int           `env:"STORY_RETRY_ATTEMPTS" envDefault:"3" yaml:"retry_attempts"`

	// PlayerID identifies the player. Empty means anonymous: nothing is persisted.
	PlayerID string `env:"STORY_PLAYER_ID" yaml:"player_id"`
	Debug    bool   `env:"STORY_DEBUG" yaml:"debug"`
}

// LoadConfig reads the environment and then, if path names an existing file,
// lets the YAML file override it. The API key is only read from the environment.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	if cfg.DBPath == "" {
		cfg.DBPath = cfg.SaveDir + "/storyforge.db"
	}
	if cfg.LogFile == "" {
		cfg.LogFile = cfg.SaveDir + "/storyforge.log"
	}
	if cfg.RetryAttempts < 1 {
		return nil, fmt.Errorf("retry_attempts must be at least 1, got %d", cfg.RetryAttempts)
	}
	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("sweep_interval must be positive")
	}
	return cfg, nil
}

// RequireAPIKey fails when no Gemini key is configured.
func (c *Config) RequireAPIKey() error {
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY environment variable is not set")
	}
	return nil
}

// Player is the identity the game runs as.
func (c *Config) Player() models.Player {
	return models.Player{ID: c.PlayerID, Anonymous: c.PlayerID == ""}
}
