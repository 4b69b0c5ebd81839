// Package config loads the process-level configuration: where to
// listen, where the policy document lives, and how the admin surface
// is gated. The rate-limiting policy itself is NOT here; it lives in
// its own hot-reloadable document owned by internal/policy.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

type APIKey struct {
	ID     string `yaml:"id"`
	Secret string `yaml:"secret"`
}

type Auth struct {
	Header string   `yaml:"header"`
	Keys   []APIKey `yaml:"keys"`
}

type Admin struct {
	Header string `yaml:"header"`
	Token  string `yaml:"token"`
}

type Policy struct {
	Path string `yaml:"path"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Auth          Auth          `yaml:"auth"`
	Admin         Admin         `yaml:"admin"`
	Policy        Policy        `yaml:"policy"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 1 << 20
	}
	return s.MaxBodyBytes
}

// Load reads the YAML config and applies defaults, then lets the
// environment (optionally seeded from a .env file) override the
// deployment-specific fields.
func Load(path string) (*Root, error) {
	var cfg Root
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No config file: run entirely on defaults and environment.
	} else if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	_ = godotenv.Load()

	cfg.Server.Addr = getEnv("GATEKEEP_ADDR", cfg.Server.Addr)
	cfg.Observability.LogLevel = getEnv("GATEKEEP_LOG_LEVEL", cfg.Observability.LogLevel)
	cfg.Admin.Token = getEnv("GATEKEEP_ADMIN_TOKEN", cfg.Admin.Token)
	cfg.Policy.Path = getEnv("GATEKEEP_POLICY_PATH", cfg.Policy.Path)

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Auth.Header == "" {
		cfg.Auth.Header = "X-API-Key"
	}
	if cfg.Admin.Header == "" {
		cfg.Admin.Header = "X-Admin-Token"
	}
	if cfg.Policy.Path == "" {
		cfg.Policy.Path = "./ratelimit.yaml"
	}

	return &cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
