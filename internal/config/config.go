// Package config implements this server's YAML configuration as a
// per-component struct with a Defaults/Verify idiom, rather than flags or
// environment variables.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config is the top-level document loaded from a single YAML file. Each
// component section embeds a pointer back to Global so it can read the
// server name, signing key and shared database default without the caller
// threading Global through every constructor.
type Config struct {
	Version int `yaml:"version"`

	Global        Global        `yaml:"global"`
	RoomServer    RoomServer    `yaml:"room_server"`
	FederationAPI FederationAPI `yaml:"federation_api"`
}

// Load reads and parses path, applies defaults, wires each section's Matrix
// pointer back to the parsed Global, and verifies the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	c.Defaults(DefaultOpts{})
	c.Wire()
	if errs := c.Verify(); len(errs) > 0 {
		return nil, errs
	}
	return &c, nil
}

// Defaults populates every unset field across every section.
func (c *Config) Defaults(opts DefaultOpts) {
	c.Global.Defaults(opts)
	c.RoomServer.Defaults(opts)
	c.FederationAPI.Defaults(opts)
}

// Wire links each component section back to the parsed Global.
func (c *Config) Wire() {
	c.RoomServer.Matrix = &c.Global
	c.FederationAPI.Matrix = &c.Global
}

// Verify runs every section's Verify and returns the accumulated errors,
// or nil if the configuration is usable as-is.
func (c *Config) Verify() ConfigErrors {
	var errs ConfigErrors
	if c.Version != 0 && c.Version != 2 {
		errs.Add(fmt.Sprintf("unsupported config version %d, expected 2", c.Version))
	}
	c.Global.Verify(&errs)
	c.RoomServer.Verify(&errs)
	c.FederationAPI.Verify(&errs)
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Generate returns a Config populated entirely by Defaults(Generate: true),
// suitable for marshalling out as a starter config file.
func Generate(serverName string, singleDatabase bool) *Config {
	var c Config
	c.Version = 2
	opts := DefaultOpts{Generate: true, SingleDatabase: singleDatabase}
	c.Defaults(opts)
	c.Wire()
	if serverName != "" {
		c.Global.ServerName = ServerNameOrDefault(serverName)
	}
	if singleDatabase {
		c.Global.Database.Defaults(opts, "palpo.db")
		c.RoomServer.Database.ConnectionString = ""
		c.FederationAPI.Database.ConnectionString = ""
	}
	return &c
}
