package cli

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/active-learning/internal/engine"
)

// DefaultConfigFile is read when --config is not given. A missing default
// file is not an error; an explicitly named one is.
const DefaultConfigFile = "configs/default.yaml"

// Config represents the complete pipeline configuration
// Maps config file fields through YAML tags
type Config struct {
	Workers int    `yaml:"workers"` // caps per-stage fan-out, 0 uses every CPU
	Seed    uint64 `yaml:"seed"`    // 0 draws a fresh sample on every run
	Scratch string `yaml:"scratch"` // parent of cluster working directories

	Engine engine.Tools `yaml:"engine"`

	Log struct {
		Level  string `yaml:"level"`  // debug | info | warn | error
		Format string `yaml:"format"` // text | json
	} `yaml:"log"`

	Metrics struct {
		Port        int    `yaml:"port"`        // /metrics port for `run`, 0 disables
		Pushgateway string `yaml:"pushgateway"` // push URL for batch invocations
		Job         string `yaml:"job"`
	} `yaml:"metrics"`

	Journal struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"journal"`

	Cluster struct {
		JobName        string `yaml:"job_name"`
		LauncherModule string `yaml:"launcher_module"`
		Activate       string `yaml:"activate"`
	} `yaml:"cluster"`
}

func defaultConfig() *Config {
	cfg := &Config{Engine: engine.DefaultTools()}
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Metrics.Job = "alvs"
	cfg.Journal.Enabled = true
	cfg.Cluster.JobName = "ACL"
	cfg.Cluster.LauncherModule = "launcher_gpu"
	return cfg
}

// loadConfig overlays the YAML file at path on the built-in defaults. The
// SCRATCH environment variable wins over the file's scratch entry.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && path == DefaultConfigFile:
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if s := os.Getenv("SCRATCH"); s != "" {
		cfg.Scratch = s
	}
	return cfg, nil
}
