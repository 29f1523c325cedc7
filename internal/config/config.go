package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Flow sources.
const (
	SourceFile     = "file"
	SourcePostgres = "postgres"
)

type EngineConfig struct {
	Version int `yaml:"version"`
	Server  struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
	Flows struct {
		Source string `yaml:"source"`
		Dir    string `yaml:"dir"`
	} `yaml:"flows"`
	Modules struct {
		Dir string `yaml:"dir"`
	} `yaml:"modules"`
	Dispatch struct {
		MaxChains    int      `yaml:"max_chains"`
		EventTimeout Duration `yaml:"event_timeout"`
		Trace        bool     `yaml:"trace"`
	} `yaml:"dispatch"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		URL         string `yaml:"url"`
		ClientID    string `yaml:"client_id"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Postgres struct {
		Enabled       bool `yaml:"enabled"`
		PersistEvents bool `yaml:"persist_events"`
	} `yaml:"postgres"`
	Log struct {
		Stdout bool `yaml:"stdout"`
	} `yaml:"log"`
}

// Duration reads YAML durations such as "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Default returns the configuration used when no file is given.
func Default() *EngineConfig {
	cfg := &EngineConfig{Version: 1}
	cfg.applyDefaults()
	return cfg
}

func (c *EngineConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Flows.Source == "" {
		c.Flows.Source = SourceFile
	}
	if c.Flows.Dir == "" {
		c.Flows.Dir = "flows"
	}
	if c.Dispatch.EventTimeout == 0 {
		c.Dispatch.EventTimeout = Duration(30 * time.Second)
	}
	if url := os.Getenv("MQTT_URL"); url != "" {
		c.MQTT.URL = url
	}
	if c.MQTT.URL == "" {
		c.MQTT.URL = "tcp://localhost:1883"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "sentientflow"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "sentientflow/events"
	}
}

func (c *EngineConfig) validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported engine config version: %d", c.Version)
	}
	switch c.Flows.Source {
	case SourceFile:
	case SourcePostgres:
		if !c.Postgres.Enabled {
			return fmt.Errorf("flows.source is postgres but postgres is not enabled")
		}
	default:
		return fmt.Errorf("unknown flows.source %q", c.Flows.Source)
	}
	if c.Dispatch.MaxChains < 0 {
		return fmt.Errorf("dispatch.max_chains must not be negative")
	}
	return nil
}

// EventTimeout is the dispatch bound of event-style invocations.
func (c *EngineConfig) EventTimeout() time.Duration {
	return time.Duration(c.Dispatch.EventTimeout)
}

func LoadEngineConfig(path string) (*EngineConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg EngineConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
