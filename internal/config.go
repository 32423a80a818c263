package internal

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/mitchellh/go-homedir"
	"github.com/tcollins82/fetcha/internal/api"
	"github.com/tcollins82/fetcha/internal/delivery"
	"github.com/tcollins82/fetcha/internal/download"
	"github.com/tcollins82/fetcha/internal/extractor"
	"github.com/tcollins82/fetcha/internal/governor"
	"github.com/tcollins82/fetcha/internal/mux"
)

// FetchaConfig is the struct used to contain the various user config
// supplied by file or environment.
type FetchaConfig struct {
	Download  download.Config  `yaml:"downloads"`
	Extractor extractor.Config `yaml:"extractor"`
	Governor  governor.Config  `yaml:"governor"`
	Remux     mux.Config       `yaml:"remux"`
	Delivery  delivery.Config  `yaml:"delivery"`
	Rest      api.RestConfig   `yaml:"api"`

	// LogLevel follows the logger's ordering: 0 verbose, 1 debug, 2 info.
	LogLevel int `yaml:"log_level" env:"LOG_LEVEL" env-default:"2"`
}

// LoadFromFile loads a YAML configuration file into the config struct,
// with environment variables taking precedence over file values.
func (config *FetchaConfig) LoadFromFile(configPath string) error {
	if err := cleanenv.ReadConfig(configPath, config); err != nil {
		return fmt.Errorf("failed to load configuration from %s - %v", configPath, err.Error())
	}

	return config.applyDerivedDefaults()
}

// LoadFromEnv populates the config purely from environment variables and
// struct defaults, for running without a config file.
func (config *FetchaConfig) LoadFromEnv() error {
	if err := cleanenv.ReadEnv(config); err != nil {
		return fmt.Errorf("failed to load configuration from environment - %v", err.Error())
	}

	return config.applyDerivedDefaults()
}

// applyDerivedDefaults fills in the directory settings which cannot be
// expressed as static struct defaults, and mirrors the download area into
// the delivery config so both always agree on one path.
func (config *FetchaConfig) applyDerivedDefaults() error {
	if config.Download.DownloadDir == "" {
		home, err := homedir.Dir()
		if err != nil {
			return fmt.Errorf("failed to derive user home dir for default download dir - %v", err.Error())
		}

		config.Download.DownloadDir = filepath.Join(home, "Downloads", "fetcha")
	}

	if config.Download.TempDir == "" {
		config.Download.TempDir = filepath.Join(os.TempDir(), "fetcha")
	}

	config.Delivery.DownloadDir = config.Download.DownloadDir
	return nil
}
