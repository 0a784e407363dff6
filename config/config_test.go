package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultSettings(t *testing.T) {
	s := Default()
	if s.MapsAPIBasePath != "api/v1/map" {
		t.Fatalf("unexpected base path %q", s.MapsAPIBasePath)
	}
	if s.InstantiationLimit != 3 {
		t.Fatalf("default instantiation limit must be 3, got %d", s.InstantiationLimit)
	}
	if s.Client.HTTPTimeout != 10*time.Second {
		t.Fatalf("unexpected http timeout %v", s.Client.HTTPTimeout)
	}
	if s.Client.MaxRetries != 0 {
		t.Fatalf("retries must be off by default, got %d", s.Client.MaxRetries)
	}
}

func TestFromFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tilegate.yaml")
	doc := `
account: acme
urlTemplate: "http://{user}.example.com"
statTag: tag-9
credentials:
  apiKey: key-9
client:
  httpTimeout: 3s
  maxRetries: 2
instantiationLimit: 5
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	s, err := FromFile(path)
	if err != nil {
		t.Fatalf("from file: %v", err)
	}
	if s.Account != "acme" || s.Credentials.APIKey != "key-9" {
		t.Fatalf("yaml values not applied: %+v", s)
	}
	if s.Client.HTTPTimeout != 3*time.Second || s.Client.MaxRetries != 2 {
		t.Fatalf("client settings not applied: %+v", s.Client)
	}
	if s.InstantiationLimit != 5 {
		t.Fatalf("instantiation limit not applied: %d", s.InstantiationLimit)
	}
	if s.MapsAPIBasePath != "api/v1/map" {
		t.Fatalf("untouched defaults must survive the overlay: %q", s.MapsAPIBasePath)
	}
}

func TestFromFileMissingUsesDefaults(t *testing.T) {
	s, err := FromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if s.URLTemplate != Default().URLTemplate {
		t.Fatalf("expected defaults for a missing file: %+v", s)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("TILEGATE_ACCOUNT", "env-acct")
	t.Setenv("TILEGATE_API_KEY", "env-key")

	s, err := FromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("from file: %v", err)
	}
	if s.Account != "env-acct" || s.Credentials.APIKey != "env-key" {
		t.Fatalf("environment overrides not applied: %+v", s)
	}
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.Account = "acme"
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid settings, got %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"missing account", func(s *Settings) { s.Account = "" }},
		{"missing template", func(s *Settings) { s.URLTemplate = "" }},
		{"bad scheme", func(s *Settings) { s.URLTemplate = "ftp://{user}.example.com" }},
		{"missing placeholder", func(s *Settings) { s.URLTemplate = "https://maps.example.com" }},
		{"negative limit", func(s *Settings) { s.InstantiationLimit = -1 }},
		{"negative retries", func(s *Settings) { s.Client.MaxRetries = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := Default()
			s.Account = "acme"
			tc.mutate(&s)
			if err := s.Validate(); err == nil {
				t.Fatalf("expected a validation error")
			}
		})
	}
}

func TestEndpointSubstitutesAccount(t *testing.T) {
	s := Default()
	s.Account = "acme"
	s.URLTemplate = "https://{user}.example.com"
	if got := s.Endpoint(); got != "https://acme.example.com" {
		t.Fatalf("endpoint = %q", got)
	}
}
