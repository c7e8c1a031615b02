// Package config holds the gateway configuration, loaded from YAML and overridden by flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddr      = "0.0.0.0:3000"
	DefaultUpgradePath     = "/api/copilot"
	DefaultAgentCommand    = "copilot"
	DefaultMaxUploadBytes  = 20 << 20
	DefaultShutdownTimeout = 10 * time.Second
)

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	// UpgradePath is the only path on which WebSocket upgrades are accepted.
	UpgradePath string `yaml:"upgrade_path"`
	LogLevel    string `yaml:"log_level"`

	Agent AgentConfig `yaml:"agent"`

	// UploadDir is where uploaded images are stored. Defaults to a directory under the OS temp dir.
	UploadDir      string `yaml:"upload_dir"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`

	// AllowedOrigins enables CORS for these origins. Empty disables CORS handling.
	AllowedOrigins []string `yaml:"allowed_origins"`

	TLS TLSConfig `yaml:"tls"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AgentConfig describes the subprocess spawned for every connection.
type AgentConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// Env entries are KEY=VALUE and are added to the gateway's own environment.
	Env []string `yaml:"env"`
	Dir string   `yaml:"dir"`
}

type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// SelfSigned serves a generated certificate for localhost, for development.
	SelfSigned bool `yaml:"self_signed"`
}

func (t TLSConfig) Enabled() bool { return t.SelfSigned || t.CertFile != "" }

// Load reads a YAML config file. Unknown keys are rejected so typos don't go unnoticed.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	c := &Config{}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return nil, fmt.Errorf("decoding config file %s: %w", path, err)
	}
	return c, nil
}

// SetDefaults fills in every unset field.
func (c *Config) SetDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.UpgradePath == "" {
		c.UpgradePath = DefaultUpgradePath
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Agent.Command == "" {
		c.Agent.Command = DefaultAgentCommand
	}
	if c.UploadDir == "" {
		c.UploadDir = filepath.Join(os.TempDir(), "agentbridge-uploads")
	}
	if c.MaxUploadBytes == 0 {
		c.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if !strings.HasPrefix(c.UpgradePath, "/") {
		errs = append(errs, fmt.Errorf("upgrade_path %q must start with /", c.UpgradePath))
	}
	if c.Agent.Command == "" {
		errs = append(errs, errors.New("agent.command is required"))
	}
	for _, kv := range c.Agent.Env {
		if !strings.Contains(kv, "=") {
			errs = append(errs, fmt.Errorf("agent.env entry %q is not KEY=VALUE", kv))
		}
	}
	if c.MaxUploadBytes < 0 {
		errs = append(errs, fmt.Errorf("max_upload_bytes must not be negative, got %d", c.MaxUploadBytes))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}
	if c.TLS.SelfSigned && c.TLS.CertFile != "" {
		errs = append(errs, errors.New("tls.self_signed cannot be combined with tls.cert_file"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unsupported log_level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}
