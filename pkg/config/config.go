// Package config provides YAML-backed configuration loading for the
// reexport CLI: an ExportSpec plus the run-level settings (output path,
// debug output, logging) that sit outside the spec's own concerns.
package config

import (
	"os"

	"github.com/user/reexport/pkg/exportspec"
	"github.com/user/reexport/pkg/ports"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration for one reexport run.
type Config struct {
	Spec exportspec.ExportSpec `yaml:"spec"`

	OutputPath string `yaml:"output"`

	Debug    bool   `yaml:"debug"`
	DebugDir string `yaml:"debug_dir"`

	LogLevel string `yaml:"log_level"`
}

// Defaults returns a Config seeded with exportspec.DefaultExportSpec and
// the pipeline's documented defaults for everything else.
func Defaults() Config {
	return Config{
		Spec:     exportspec.DefaultExportSpec(),
		DebugDir: "./debug",
		LogLevel: "info",
	}
}

// LoadFromFile loads configuration from a YAML file, starting from
// Defaults so a partial file only overrides what it names.
func LoadFromFile(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LogLevelValue parses c.LogLevel into a ports.LogLevel.
func (c Config) LogLevelValue() ports.LogLevel {
	return ports.ParseLogLevel(c.LogLevel)
}
