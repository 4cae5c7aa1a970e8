package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/driveops/garch/internal/cryptoutil"
)

const (
	envPrefix = "GARCH"
)

// Load reads configuration from a file (optionally encrypted), env vars, and defaults.
func Load(path string) (*Config, error) {
	vp := viper.New()
	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	setDefaults(vp)

	resolved, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}

	if resolved != "" {
		data, readErr := os.ReadFile(resolved)
		if readErr != nil {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
		if isEncryptedPath(resolved) {
			if typ := configTypeFromPath(resolved); typ != "" {
				vp.SetConfigType(typ)
			}
			key := os.Getenv("GARCH_CONFIG_KEY")
			if key == "" {
				key = vp.GetString("global.config_passphrase")
			}
			if key == "" {
				return nil, errors.New("config file is encrypted but GARCH_CONFIG_KEY is not set")
			}
			plain, decErr := decryptConfig(data, key)
			if decErr != nil {
				return nil, fmt.Errorf("decrypt config: %w", decErr)
			}
			if err := vp.ReadConfig(bytes.NewReader(plain)); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		} else {
			vp.SetConfigFile(resolved)
			if err := vp.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := vp.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	expandEnv(&cfg)
	applyPostLoadDefaults(&cfg)
	return &cfg, nil
}

func resolveConfigPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	if envPath := os.Getenv("GARCH_CONFIG"); envPath != "" {
		return envPath, nil
	}

	candidates := []string{
		"garch.yaml",
		"garch.yml",
		"garch.toml",
		"garch.json",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}

	configDir, err := os.UserConfigDir()
	if err == nil {
		base := filepath.Join(configDir, "garch")
		for _, c := range candidates {
			p := filepath.Join(base, c)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
		for _, c := range []string{"garch.yaml.enc", "garch.yml.enc", "garch.toml.enc"} {
			p := filepath.Join(base, c)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}

	return "", nil
}

func isEncryptedPath(path string) bool {
	return strings.HasSuffix(path, ".enc") || strings.HasSuffix(path, ".encrypted")
}

func configTypeFromPath(path string) string {
	switch {
	case strings.HasSuffix(path, ".toml") || strings.HasSuffix(path, ".toml.enc") || strings.HasSuffix(path, ".toml.encrypted"):
		return "toml"
	case strings.HasSuffix(path, ".json") || strings.HasSuffix(path, ".json.enc") || strings.HasSuffix(path, ".json.encrypted"):
		return "json"
	default:
		return "yaml"
	}
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("global.log_level", "info")
	vp.SetDefault("global.log_format", "json")
	vp.SetDefault("global.operation_timeout", "6h")
	vp.SetDefault("auth.credentials_file", "credentials.json")
	vp.SetDefault("auth.token_file", "token.json")
	vp.SetDefault("remote.backend", "drive")
	vp.SetDefault("archive.compression", "xz")
	vp.SetDefault("transfer.chunk_size", 8*1024*1024)
	vp.SetDefault("transfer.buffer_size", 256*1024)
	vp.SetDefault("transfer.parallelism", 3)
	vp.SetDefault("transfer.retry_count", 4)
	vp.SetDefault("transfer.retry_backoff", "500ms")
	vp.SetDefault("transfer.retry_backoff_max", "8s")
	vp.SetDefault("schedule.timezone", "")
}

func applyPostLoadDefaults(cfg *Config) {
	if cfg.Global.OperationTimeout == 0 {
		cfg.Global.OperationTimeout = 6 * time.Hour
	}
	if cfg.Transfer.ChunkSize == 0 {
		cfg.Transfer.ChunkSize = 8 * 1024 * 1024
	}
	if cfg.Transfer.BufferSize == 0 {
		cfg.Transfer.BufferSize = 256 * 1024
	}
	if cfg.Transfer.Parallelism == 0 {
		cfg.Transfer.Parallelism = 3
	}
	if cfg.Transfer.RetryCount == 0 {
		cfg.Transfer.RetryCount = 4
	}
	if cfg.Transfer.RetryBackoff == 0 {
		cfg.Transfer.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.Transfer.RetryMax == 0 {
		cfg.Transfer.RetryMax = 8 * time.Second
	}
}

func expandEnv(cfg *Config) {
	cfg.Auth.CredentialsFile = os.ExpandEnv(cfg.Auth.CredentialsFile)
	cfg.Auth.TokenFile = os.ExpandEnv(cfg.Auth.TokenFile)
	cfg.Auth.TokenJSON = os.ExpandEnv(cfg.Auth.TokenJSON)
	cfg.Archive.EncryptKey = os.ExpandEnv(cfg.Archive.EncryptKey)
	cfg.Remote.S3.AccessKey = os.ExpandEnv(cfg.Remote.S3.AccessKey)
	cfg.Remote.S3.SecretKey = os.ExpandEnv(cfg.Remote.S3.SecretKey)
	cfg.Remote.S3.SessionToken = os.ExpandEnv(cfg.Remote.S3.SessionToken)
	for i := range cfg.Notifications.Webhooks {
		cfg.Notifications.Webhooks[i].URL = os.ExpandEnv(cfg.Notifications.Webhooks[i].URL)
	}
	for i := range cfg.Notifications.Mattermost {
		cfg.Notifications.Mattermost[i].URL = os.ExpandEnv(cfg.Notifications.Mattermost[i].URL)
	}
}

func decryptConfig(ciphertext []byte, key string) ([]byte, error) {
	parsed, err := cryptoutil.ParseKey(key)
	if err != nil {
		return nil, err
	}
	return cryptoutil.DecryptConfig(ciphertext, parsed)
}
