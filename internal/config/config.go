package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// New loads configuration from environment variables into any given struct type.
// It uses generics to work with different config structs.
func New[T any]() (*T, error) {
	cfg := new(T)
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads content of ENV_FILE (e.g .env.softphone) into environment variables.
// Without ENV_FILE a missing .env is not an error.
func LoadEnv() error {
	envfile := os.Getenv("ENV_FILE")

	if envfile == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}

	return godotenv.Load(envfile)
}

// LoadFile overlays the YAML document at path onto cfg. Keys missing from the file keep
// their current values.
func LoadFile[T any](path string, cfg *T) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}
