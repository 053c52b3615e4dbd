package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/datapunk/lake/internal/lakeerr"
)

// duration lets YAML carry Go duration strings ("5s", "1h") for timing
// parameters.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

func (d duration) std() time.Duration { return time.Duration(d) }

// NodeConfig describes one cluster member, per the cluster configuration
// surface: identity, address, and ring weight.
type NodeConfig struct {
	ID     string `yaml:"id"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Weight int    `yaml:"weight"`
}

func (n NodeConfig) addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// Config is the gateway's full configuration, loadable from YAML.
type Config struct {
	Listen    string `yaml:"listen"`
	Namespace string `yaml:"namespace"`

	// Backend selects the per-node store implementation: "memory" (default)
	// or "redis", in which case each node's host:port is dialed as a Redis
	// server.
	Backend string `yaml:"backend"`

	Nodes []NodeConfig `yaml:"nodes"`

	ReadQuorum   int `yaml:"read_quorum"`
	WriteQuorum  int `yaml:"write_quorum"`
	VirtualNodes int `yaml:"virtual_nodes"`

	EvictionPolicy string   `yaml:"eviction_policy"`
	MaxSize        int      `yaml:"max_size"`
	DefaultTTL     duration `yaml:"default_ttl"`

	WriteBehind   bool     `yaml:"write_behind"`
	WriteInterval duration `yaml:"write_interval"`

	HeartbeatInterval duration `yaml:"heartbeat_interval"`

	WarmPatterns []string `yaml:"warm_patterns"`
	WarmTTL      duration `yaml:"warm_ttl"`
}

func defaultConfig() Config {
	return Config{
		Listen:         ":8080",
		Namespace:      "lake",
		Backend:        "memory",
		Nodes:          []NodeConfig{{ID: "node-1", Host: "127.0.0.1", Port: 6379, Weight: 1}},
		ReadQuorum:     1,
		WriteQuorum:    1,
		EvictionPolicy: "lru",
		DefaultTTL:     duration(time.Hour),
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, lakeerr.New(lakeerr.ConfigError, "config.load", err)
	}
	return cfg, nil
}

var knownEvictionPolicies = map[string]bool{
	"lru": true, "lfu": true, "fifo": true, "random": true, "ttl": true,
}

// validate rejects unknown strategy names and quorum sizes the cluster can
// never satisfy, per the error surface's ConfigError kind.
func (c Config) validate() error {
	fail := func(format string, args ...interface{}) error {
		return lakeerr.New(lakeerr.ConfigError, "config.validate", fmt.Errorf(format, args...))
	}

	if len(c.Nodes) == 0 {
		return fail("at least one node is required")
	}
	seen := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.ID == "" {
			return fail("node id must not be empty")
		}
		if seen[n.ID] {
			return fail("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
		if n.Weight < 1 {
			return fail("node %q weight must be >= 1, got %d", n.ID, n.Weight)
		}
	}

	if c.ReadQuorum < 1 || c.ReadQuorum > len(c.Nodes) {
		return fail("read quorum %d out of range [1,%d]", c.ReadQuorum, len(c.Nodes))
	}
	if c.WriteQuorum < 1 || c.WriteQuorum > len(c.Nodes) {
		return fail("write quorum %d out of range [1,%d]", c.WriteQuorum, len(c.Nodes))
	}

	if !knownEvictionPolicies[c.EvictionPolicy] {
		return fail("unknown eviction policy %q", c.EvictionPolicy)
	}
	switch c.Backend {
	case "memory", "redis":
	default:
		return fail("unknown backend %q", c.Backend)
	}
	return nil
}
