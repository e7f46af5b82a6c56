// Package config loads client and server settings from defaults and
// BLOBSYNC_-prefixed environment variables, validating the merged result.
package config

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "BLOBSYNC_"

// Config holds everything the CLI and the reference server need.
type Config struct {
	// Remote is the blob server base URL.
	Remote string `koanf:"remote" validate:"omitempty,url"`
	// User is the account uuid used in server paths.
	User string `koanf:"user"`
	// Token authenticates against the server.
	Token string `koanf:"token"`
	// Secret is the 96-byte master secret, hex encoded.
	Secret string `koanf:"secret" validate:"omitempty,hexadecimal,len=192"`
	// Namespace scopes all blob operations; empty is the default namespace.
	Namespace string `koanf:"namespace"`
	// DataDir holds the local database.
	DataDir string `koanf:"data_dir" validate:"required"`
	// CACert optionally points at a PEM bundle pinning the server chain.
	CACert string `koanf:"ca_cert"`
	// ConcurrentTransfers bounds parallel uploads and downloads per sync.
	ConcurrentTransfers int `koanf:"concurrent_transfers" validate:"min=1,max=64"`

	// ListenAddr and ServerRoot configure the serve command.
	ListenAddr string `koanf:"listen_addr" validate:"required,hostname_port"`
	ServerRoot string `koanf:"server_root" validate:"required"`
}

// DefaultAppConfig is the baseline before environment overrides.
var DefaultAppConfig = Config{
	Namespace:           "",
	DataDir:             "data",
	ConcurrentTransfers: 3,
	ListenAddr:          ":9000",
	ServerRoot:          "blobs",
}

// Loader hooks are variables so tests can inject failures.
var (
	defaultLoader = func(k *koanf.Koanf) error {
		return k.Load(structs.Provider(DefaultAppConfig, "koanf"), nil)
	}
	envLoader = func(k *koanf.Koanf) error {
		return k.Load(env.Provider(".", env.Opt{
			Prefix: envPrefix,
			TransformFunc: func(key, value string) (string, any) {
				return strings.ToLower(strings.TrimPrefix(key, envPrefix)), value
			},
		}), nil)
	}
)

// Load merges defaults with the environment and validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// DBPath is where the local database lives under DataDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "blobs.db")
}

// SecretBytes decodes the hex master secret. Empty input yields nil so
// callers can fall back to prompting.
func (c *Config) SecretBytes() ([]byte, error) {
	if c.Secret == "" {
		return nil, nil
	}
	secret, err := hex.DecodeString(c.Secret)
	if err != nil {
		return nil, fmt.Errorf("decode master secret: %w", err)
	}
	return secret, nil
}
