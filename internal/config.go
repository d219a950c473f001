package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/mitchellh/go-homedir"

	"github.com/hauworth/mediamill/internal/database"
	"github.com/hauworth/mediamill/internal/ffmpeg"
	"github.com/hauworth/mediamill/internal/processor"
	"github.com/hauworth/mediamill/internal/queue"
	"github.com/hauworth/mediamill/internal/storage"
)

// MediaMillConfig is the root YAML/env configuration for the service.
type MediaMillConfig struct {
	Broker   queue.BrokerConfig      `yaml:"broker"`
	Database database.DatabaseConfig `yaml:"database"`
	Storage  storage.Config          `yaml:"storage"`
	Ffmpeg   ffmpeg.Config           `yaml:"ffmpeg"`
	Pipeline processor.Config        `yaml:"pipeline"`

	TranscodeTimeout time.Duration `yaml:"transcode_timeout" env:"TRANSCODE_TIMEOUT" env-default:"2h"`
}

// LoadFromFile loads the config from the YAML file at the path given,
// filling any gaps from the environment. A missing file is not an error;
// the environment alone is enough to configure the service.
func (config *MediaMillConfig) LoadFromFile(configPath string) error {
	err := cleanenv.ReadConfig(configPath, config)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to load configuration from %s: %w", configPath, err)
		}

		if err := cleanenv.ReadEnv(config); err != nil {
			return fmt.Errorf("failed to load configuration from environment: %w", err)
		}
	}

	if config.Pipeline.TempDir == "" {
		config.Pipeline.TempDir = filepath.Join(os.TempDir(), "mediamill")
	}

	return nil
}

// DefaultConfigPath is where the config file is looked for when the caller
// does not specify one.
func DefaultConfigPath() string {
	home, err := homedir.Dir()
	if err != nil {
		return filepath.Join(".", "mediamill.yaml")
	}

	return filepath.Join(home, ".config", "mediamill", "config.yaml")
}
