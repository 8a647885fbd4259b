package main

import (
	"errors"
	"os"

	"sigs.k8s.io/yaml"
)

const (
	// ConfigPathEnvKey is the environment variable key for the config file path.
	ConfigPathEnvKey = "CARAVEL_CONFIG"

	defaultStorePath = "caravel.db"
)

var (
	errReadConfig  = errors.New("reading caraveld configuration file")
	errParseConfig = errors.New("parsing caraveld configuration")
)

// Config is used to configure the daemon.
type Config struct {
	// StorePath is the sqlite database holding the queue, the cluster
	// topology and the run logs. ":memory:" keeps everything in process
	// memory.
	StorePath string `json:"storePath"`

	// MountBase is the storage mount root on the cluster nodes; empty
	// selects the standard /mnt/pve.
	MountBase string `json:"mountBase"`

	// Development switches logs to the human-readable handler.
	Development bool `json:"development"`

	// Runner is the configuration for the migration run loop.
	Runner struct {
		// PollTimeoutSeconds bounds the wait for queue items when a run
		// starts against an empty queue; 0 selects the default.
		PollTimeoutSeconds int `json:"pollTimeoutSeconds"`
	} `json:"runner"`

	// ProbesServer is the configuration for the probes server.
	ProbesServer struct {
		// LivenessPath is the path for the liveness probe.
		LivenessPath string `json:"livenessPath"`
		// ReadinessPath is the path for the readiness probe.
		ReadinessPath string `json:"readinessPath"`
		// Port is the port for the probes server.
		Port int `json:"port"`
	} `json:"probesServer"`

	// MetricsServer is the configuration for the metrics server.
	MetricsServer struct {
		// Path is the path for the metrics server.
		Path string `json:"path"`
		// Port is the port for the metrics server.
		Port int `json:"port"`
	} `json:"metricsServer"`

	// APIServer is the configuration for the API server.
	APIServer struct {
		// Port is the port for the API server.
		Port int `json:"port"`
	} `json:"apiServer"`
}

// loadConfig reads the configuration at path and fills in defaults.
func loadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(err, errReadConfig)
	}

	// Parse YAML (uses json tags).
	config := new(Config)
	if err := yaml.Unmarshal(b, config); err != nil {
		return nil, errors.Join(err, errParseConfig)
	}

	config.applyDefaults()

	return config, nil
}

func (c *Config) applyDefaults() {
	if c.StorePath == "" {
		c.StorePath = defaultStorePath
	}

	if c.APIServer.Port == 0 {
		c.APIServer.Port = 8080
	}

	if c.MetricsServer.Port == 0 {
		c.MetricsServer.Port = 8081
	}

	if c.MetricsServer.Path == "" {
		c.MetricsServer.Path = "/metrics"
	}

	if c.ProbesServer.Port == 0 {
		c.ProbesServer.Port = 8082
	}

	if c.ProbesServer.LivenessPath == "" {
		c.ProbesServer.LivenessPath = "/healthz"
	}

	if c.ProbesServer.ReadinessPath == "" {
		c.ProbesServer.ReadinessPath = "/readyz"
	}
}
