package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// envPrefix namespaces all costwatchd environment variables.
	envPrefix = "COSTWATCH_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// nestedSections are second-level config groups. The env transformer needs
// them to map COSTWATCH_LEDGER_NATS_URL to ledger.nats.url instead of
// ledger.nats_url.
var nestedSections = map[string]bool{
	"nats":    true,
	"chromem": true,
	"qdrant":  true,
	"retry":   true,
}

// Load builds the configuration from three layers, lowest to highest
// precedence: built-in defaults, an optional YAML file, and COSTWATCH_-
// prefixed environment variables.
//
// When configPath is empty, ~/.config/costwatchd/config.yaml is used if it
// exists. Config files must be permissioned 0600 or 0400 and no larger than
// 1MB; both properties are checked on the open file descriptor to avoid a
// TOCTOU race.
//
// Environment variables map to config keys by stripping the prefix,
// lowercasing, and splitting on the first underscore:
//
//	COSTWATCH_SERVER_PORT        -> server.port
//	COSTWATCH_LLM_API_KEY        -> llm.api_key
//	COSTWATCH_GITHUB_TOKEN       -> github.token
//	COSTWATCH_LEDGER_NATS_URL    -> ledger.nats.url
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			defaultPath := filepath.Join(home, ".config", "costwatchd", "config.yaml")
			if _, err := os.Stat(defaultPath); err == nil {
				configPath = defaultPath
			}
		}
	}

	if configPath != "" {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", transformEnvKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := NewDefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// transformEnvKey maps a COSTWATCH_ environment variable name to a config
// key. The first underscore separates section from field; field names keep
// their underscores, except when the field starts with a known nested
// section name.
func transformEnvKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}

	section, field := parts[0], parts[1]
	if sub := strings.SplitN(field, "_", 2); len(sub) == 2 && nestedSections[sub[0]] {
		return section + "." + sub[0] + "." + sub[1]
	}
	return section + "." + field
}

// readConfigFile opens the config file once and validates permissions and
// size through the open file descriptor before reading it.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	// Windows has a different permission model, skip the check there.
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return nil, fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}
