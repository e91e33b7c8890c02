// Package config loads runtime configuration. Precedence, lowest to
// highest: built-in defaults, YAML config file, FLOWCARDS_* environment
// variables, command-line flags.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// Remote is the remote document store connection.
type Remote struct {
	URL      string `koanf:"url" validate:"omitempty,url"`
	Database string `koanf:"database"`
	User     string `koanf:"user"`
	Pass     string `koanf:"pass"`
}

// Sources configures package source scanning.
type Sources struct {
	// Dir is where cloned package repositories are checked out.
	Dir string `koanf:"dir"`
}

// Config is the full runtime configuration.
type Config struct {
	ListenAddr   string  `koanf:"listen_addr" validate:"required,hostname_port"`
	DatabasePath string  `koanf:"database_path" validate:"required"`
	LogLevel     string  `koanf:"log_level" validate:"oneof=debug info warn error"`
	Remote       Remote  `koanf:"remote"`
	Sources      Sources `koanf:"sources"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		ListenAddr:   "127.0.0.1:8484",
		DatabasePath: "flowcards.db",
		LogLevel:     "info",
		Sources:      Sources{Dir: "sources"},
	}
}

var validate = validator.New()

// Load builds the configuration. path may be empty or point at a YAML
// file; a named file that does not exist is an error, the default path
// being absent is not. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// FLOWCARDS_LISTEN_ADDR -> listen_addr, FLOWCARDS_REMOTE__URL -> remote.url.
	err := k.Load(env.Provider("FLOWCARDS_", ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, "FLOWCARDS_"))
		return strings.ReplaceAll(key, "__", ".")
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load environment config: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return Config{}, fmt.Errorf("failed to load flag config: %w", err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
