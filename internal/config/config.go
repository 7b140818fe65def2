// Package config loads the medshare YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/i5heu/medshare/pkg/address"
)

type Config struct {
	DataDir          string        `yaml:"dataDir"`
	InMemory         bool          `yaml:"inMemory"`
	MinimumFreeSpace int           `yaml:"minimumFreeSpaceGB"`
	ProgramID        string        `yaml:"programId"`
	ArciumProgramID  string        `yaml:"arciumProgramId"`
	CircuitURL       string        `yaml:"circuitUrl"`
	SignerMode       string        `yaml:"signerMode"`
	LogLevel         string        `yaml:"logLevel"`
	PollInterval     time.Duration `yaml:"pollInterval"`
	Workers          int           `yaml:"workers"`
	GCInterval       time.Duration `yaml:"gcInterval"`
}

const DefaultCircuitURL = "https://medshare.invalid/circuits/share_patient_data.arcis"

// Default returns the configuration used when no file is given.
func Default() Config {
	c := Config{}
	c.applyDefaults()
	return c
}

// Load reads path and fills unset fields with defaults. A missing file is not
// an error.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	c.applyDefaults()
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.MinimumFreeSpace == 0 {
		c.MinimumFreeSpace = 1
	}
	if c.ProgramID == "" {
		c.ProgramID = address.DefaultProgramID.String()
	}
	if c.ArciumProgramID == "" {
		c.ArciumProgramID = address.DefaultArciumProgramID.String()
	}
	if c.CircuitURL == "" {
		c.CircuitURL = DefaultCircuitURL
	}
	if c.SignerMode == "" {
		c.SignerMode = "shared"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.GCInterval == 0 {
		c.GCInterval = 10 * time.Minute
	}
	if c.PollInterval == 0 {
		c.PollInterval = 200 * time.Millisecond
	}
}
