// Package config loads environment-based configuration for element-admin.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for element-admin.
type Config struct {
	// ServerName is the homeserver domain to administer (e.g. "matrix.org").
	// Commands that talk to a server require it unless overridden by a flag.
	ServerName string `env:"ELEMENT_ADMIN_SERVER"`

	// StateDir is where records and lock files live. Defaults to
	// ~/.element-admin/ when empty.
	StateDir string `env:"ELEMENT_ADMIN_STATE_DIR"`

	// CallbackPort is the loopback port the login flow listens on for the
	// authorization redirect. 0 picks an ephemeral port.
	CallbackPort int `env:"ELEMENT_ADMIN_CALLBACK_PORT" envDefault:"0"`

	// ClientName is the name sent during dynamic client registration.
	ClientName string `env:"ELEMENT_ADMIN_CLIENT_NAME" envDefault:"element-admin"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StateDir != "" {
		absDir, err := filepath.Abs(cfg.StateDir)
		if err != nil {
			return nil, fmt.Errorf("resolving state dir to absolute path: %w", err)
		}

		cfg.StateDir = absDir
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.CallbackPort < 0 || c.CallbackPort > 65535 {
		return fmt.Errorf("ELEMENT_ADMIN_CALLBACK_PORT must be between 0 and 65535")
	}

	if c.ClientName == "" {
		return fmt.Errorf("ELEMENT_ADMIN_CLIENT_NAME must not be empty")
	}

	return nil
}

// DefaultStateDir returns the default state directory: ~/.element-admin/
func DefaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".element-admin"), nil
}

// ResolveStateDir returns StateDir, falling back to the default when unset.
func (c *Config) ResolveStateDir() (string, error) {
	if c.StateDir != "" {
		return c.StateDir, nil
	}

	return DefaultStateDir()
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
