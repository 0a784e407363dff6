// Package config centralises runtime configuration helpers for tilegate.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Credentials captures the maps API credentials. When both are set the API key
// takes precedence.
type Credentials struct {
	APIKey    string `yaml:"apiKey"`
	AuthToken string `yaml:"authToken"`
}

// ClientSettings configures the backend HTTP client.
type ClientSettings struct {
	HTTPTimeout       time.Duration `yaml:"-"`
	MaxRetries        int           `yaml:"maxRetries"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	RateBurst         int           `yaml:"rateBurst"`
}

// UnmarshalYAML decodes the client block, parsing the timeout from a duration
// string such as "10s". Absent fields keep their current values.
func (c *ClientSettings) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		HTTPTimeout       string   `yaml:"httpTimeout"`
		MaxRetries        *int     `yaml:"maxRetries"`
		RequestsPerSecond *float64 `yaml:"requestsPerSecond"`
		RateBurst         *int     `yaml:"rateBurst"`
	}
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	if r.HTTPTimeout != "" {
		dur, err := time.ParseDuration(r.HTTPTimeout)
		if err != nil {
			return fmt.Errorf("parse httpTimeout: %w", err)
		}
		c.HTTPTimeout = dur
	}
	if r.MaxRetries != nil {
		c.MaxRetries = *r.MaxRetries
	}
	if r.RequestsPerSecond != nil {
		c.RequestsPerSecond = *r.RequestsPerSecond
	}
	if r.RateBurst != nil {
		c.RateBurst = *r.RateBurst
	}
	return nil
}

// EventbusSettings sets event bus buffer sizing and worker fanout.
type EventbusSettings struct {
	BufferSize    int `yaml:"bufferSize"`
	FanoutWorkers int `yaml:"fanoutWorkers"`
}

// TelemetrySettings configures the OTLP metric exporter.
type TelemetrySettings struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	OTLPInsecure bool   `yaml:"otlpInsecure"`
}

// Settings contains the tilegate configuration tree loaded from defaults and
// overrides.
type Settings struct {
	Account         string `yaml:"account"`
	URLTemplate     string `yaml:"urlTemplate"`
	MapsAPIBasePath string `yaml:"mapsApiBasePath"`
	StatTag         string `yaml:"statTag"`

	Credentials Credentials    `yaml:"credentials"`
	Client      ClientSettings `yaml:"client"`

	InstantiationLimit int `yaml:"instantiationLimit"`
	TrackerCapacity    int `yaml:"trackerCapacity"`

	Eventbus  EventbusSettings  `yaml:"eventbus"`
	Telemetry TelemetrySettings `yaml:"telemetry"`
}

// Default returns the default tilegate configuration.
func Default() Settings {
	return Settings{
		Account:         "",
		URLTemplate:     "https://{user}.carto.com",
		MapsAPIBasePath: "api/v1/map",
		StatTag:         "",
		Credentials:     Credentials{APIKey: "", AuthToken: ""},
		Client: ClientSettings{
			HTTPTimeout:       10 * time.Second,
			MaxRetries:        0,
			RequestsPerSecond: 0,
			RateBurst:         0,
		},
		InstantiationLimit: 3,
		TrackerCapacity:    64,
		Eventbus:           EventbusSettings{BufferSize: 16, FanoutWorkers: 4},
		Telemetry:          TelemetrySettings{Enabled: false, OTLPEndpoint: "localhost:4318", OTLPInsecure: false},
	}
}

// FromFile overlays the defaults with the YAML document at path and applies
// environment overrides. A missing file yields defaults plus environment.
func FromFile(path string) (Settings, error) {
	settings := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return Settings{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return Settings{}, fmt.Errorf("read config %s: %w", path, err)
	}

	settings.applyEnv()
	return settings, nil
}

// applyEnv overlays credential and endpoint settings from the environment so
// secrets stay out of config files.
func (s *Settings) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("TILEGATE_ACCOUNT")); v != "" {
		s.Account = v
	}
	if v := strings.TrimSpace(os.Getenv("TILEGATE_URL_TEMPLATE")); v != "" {
		s.URLTemplate = v
	}
	if v := strings.TrimSpace(os.Getenv("TILEGATE_API_KEY")); v != "" {
		s.Credentials.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("TILEGATE_AUTH_TOKEN")); v != "" {
		s.Credentials.AuthToken = v
	}
}

// Validate reports configuration errors that would make instantiation
// impossible.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.Account) == "" {
		return fmt.Errorf("config: account is required")
	}
	template := strings.TrimSpace(s.URLTemplate)
	if template == "" {
		return fmt.Errorf("config: urlTemplate is required")
	}
	if !strings.HasPrefix(template, "http") {
		return fmt.Errorf("config: urlTemplate must start with http or https, got %q", template)
	}
	if !strings.Contains(template, "{user}") {
		return fmt.Errorf("config: urlTemplate must contain the {user} placeholder, got %q", template)
	}
	if s.InstantiationLimit < 0 {
		return fmt.Errorf("config: instantiationLimit must not be negative")
	}
	if s.Client.MaxRetries < 0 {
		return fmt.Errorf("config: maxRetries must not be negative")
	}
	return nil
}

// Endpoint resolves the instantiation origin from the template and account.
func (s Settings) Endpoint() string {
	return strings.ReplaceAll(s.URLTemplate, "{user}", s.Account)
}
