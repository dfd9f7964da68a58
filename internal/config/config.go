// Package config loads the static site/bootstrap configuration in place
// of a master-registration service: a node's own identity, the initial
// membership, and the tunables a deployment needs to supply, since
// reconfiguration-as-decided-value (internal/reconfig) already covers
// membership changes once the group is running. See DESIGN.md for why
// no registration RPC is built. Uses gopkg.in/yaml.v3 for the config
// file format.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/totalorder/synod/internal/synod"
)

// ServerConfig is one member's bootstrap identity, as written in the
// site config file.
type ServerConfig struct {
	UID     string `yaml:"uid"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Config is the node's full bootstrap configuration: its own identity,
// the initial site it should either boot as part of or request a
// snapshot to join, and tunables left to deployment.
type Config struct {
	Self         string         `yaml:"self"`
	Listen       string         `yaml:"listen"`
	GroupID      uint32         `yaml:"group_id"`
	EventHorizon uint32         `yaml:"event_horizon"`
	CacheLimitMB uint64         `yaml:"cache_limit_mb"`
	Servers      []ServerConfig `yaml:"servers"`
}

// Load reads and validates a YAML config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: read")
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, errors.Wrap(err, "config: parse")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Self == "" {
		return errors.New("config: self is required")
	}
	if len(c.Servers) == 0 {
		return errors.New("config: servers must list at least one member")
	}
	if c.EventHorizon == 0 {
		c.EventHorizon = synod.DefaultEventHorizon
	}
	if c.EventHorizon < synod.EventHorizonMin || c.EventHorizon > synod.EventHorizonMax {
		return errors.Errorf("config: event_horizon %d out of range [%d, %d]",
			c.EventHorizon, synod.EventHorizonMin, synod.EventHorizonMax)
	}
	if c.CacheLimitMB == 0 {
		c.CacheLimitMB = 256
	}
	found := false
	for _, s := range c.Servers {
		if s.UID == c.Self {
			found = true
		}
	}
	if !found {
		return errors.Errorf("config: self %q not present in servers list", c.Self)
	}
	return nil
}

// Site builds the unified_boot site this config describes (spec §4.9's
// unified_boot command), installed at group creation.
func (c *Config) Site() *synod.Site {
	nodes := make([]synod.Server, len(c.Servers))
	for i, s := range c.Servers {
		nodes[i] = synod.Server{UID: s.UID, Address: s.Address, Port: s.Port}
	}
	return &synod.Site{
		Nodes:        nodes,
		EventHorizon: c.EventHorizon,
		ProtocolVer:  1,
	}
}

// NodeNo resolves this config's own member index within Site().
func (c *Config) NodeNo() uint16 {
	return c.Site().NodeNo(c.Self)
}
