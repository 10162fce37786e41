package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/99designs/keyring"
	"gopkg.in/yaml.v3"

	"github.com/teslamotors/pace-terminal/internal/log"
)

// Profile holds default options for a reader or card. Fields map to the command-line flags of the
// same name.
type Profile struct {
	Reader       string `yaml:"reader,omitempty"`
	Simulate     bool   `yaml:"simulate,omitempty"`
	Protocol     string `yaml:"protocol,omitempty"`
	ParameterID  *int   `yaml:"parameter_id,omitempty"`
	PasswordType string `yaml:"password_type,omitempty"`
	Terminal     string `yaml:"terminal,omitempty"`
	SecretName   string `yaml:"secret_name,omitempty"`
	HookBefore   string `yaml:"hook_before,omitempty"`
	HookAfter    string `yaml:"hook_after,omitempty"`
	SessionCache string `yaml:"session_cache,omitempty"`
	KeyringType  string `yaml:"keyring_type,omitempty"`
	KeyringPath  string `yaml:"keyring_path,omitempty"`
	LogLevel     string `yaml:"log_level,omitempty"`
}

// ParseProfile decodes a YAML profile. Unknown fields are rejected and an empty document yields an
// empty profile.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	return &p, nil
}

// LoadProfile reads c.ProfileFilename, if set, and applies it with [Config.ApplyProfile].
func (c *Config) LoadProfile() error {
	if c.ProfileFilename == "" {
		return nil
	}
	log.Debug("Loading profile from %s...", c.ProfileFilename)
	data, err := os.ReadFile(c.ProfileFilename)
	if err != nil {
		return err
	}
	p, err := ParseProfile(data)
	if err != nil {
		return fmt.Errorf("%s: %w", c.ProfileFilename, err)
	}
	return c.ApplyProfile(p)
}

// ApplyProfile fills fields of c that are still unset. Like [Config.ReadFromEnvironment], it never
// overrides values from the command line.
func (c *Config) ApplyProfile(p *Profile) error {
	if c.Flags.isSet(FlagReader) {
		if c.Reader == "" {
			c.Reader = p.Reader
		}
		c.Simulate = c.Simulate || p.Simulate
	}
	if c.Flags.isSet(FlagPACE) {
		if c.ProtocolName == "" {
			c.ProtocolName = p.Protocol
		}
		if c.ParameterID < 0 && p.ParameterID != nil {
			c.ParameterID = *p.ParameterID
		}
		if c.PasswordType == "" {
			c.PasswordType = p.PasswordType
		}
		if c.Terminal == "" {
			c.Terminal = p.Terminal
		}
		if c.SecretName == "" {
			c.SecretName = p.SecretName
		}
		if c.HookBefore == "" {
			c.HookBefore = p.HookBefore
		}
		if c.HookAfter == "" {
			c.HookAfter = p.HookAfter
		}
	}
	if c.Flags.isSet(FlagCache) && c.CacheFilename == "" {
		c.CacheFilename = p.SessionCache
	}
	if c.Flags.isSet(FlagKeyring) {
		if c.BackendType.String() == string(keyring.InvalidBackend) {
			if err := c.BackendType.Set(p.KeyringType); err != nil {
				return fmt.Errorf("keyring_type: %w", err)
			}
		}
		if p.KeyringPath != "" && (c.Backend.FileDir == "" || c.Backend.FileDir == keyringDirectory) {
			c.Backend.FileDir = p.KeyringPath
		}
	}
	if p.LogLevel != "" {
		level, err := log.ParseLevel(p.LogLevel)
		if err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
		log.SetLevel(level)
	}
	return nil
}
