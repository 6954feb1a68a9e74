// Package config loads and validates the YAML configuration shared by
// both tunnel binaries, following the load/validate shape of the teacher
// package (Ealireza-SuperProxy's config.go: read file, unmarshal, walk
// entries validating and normalizing in place) generalized to the tunnel
// domain's server list + local bind fields.
package config

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// MaxServer is the static upper bound on configured upstream tunnel
// servers, preserved from the original implementation's MAX_SERVER limit.
const MaxServer = 64

// MaxKeyLen is the byte length a shared secret is truncated to. The
// original silently truncates overlong keys by writing a NUL into the
// config's in-memory copy; this package reproduces that truncation
// bit-for-bit (see DESIGN.md Open Question #1) rather than rejecting the
// key outright, for interoperability with deployments carrying an
// overlong key in their config file.
const MaxKeyLen = 256

const (
	defaultServerAddress = "0.0.0.0"
	defaultServerPort    = 1205
	defaultLocalAddress  = "127.0.0.1"
	defaultLocalPort     = 1080
)

// ServerEntry is one configured tunnel server (remote/server side identity
// as seen from the client, or one listener identity on the server side).
type ServerEntry struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	Key     string `yaml:"key"`
}

// LocalEntry is the local SOCKS5 bind address (client side). The server
// binary accepts it but does not use it.
type LocalEntry struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Config is the top-level YAML document for either binary.
type Config struct {
	Servers []ServerEntry `yaml:"servers"`
	Local   LocalEntry    `yaml:"local"`

	// MetricsAddr, when non-empty, binds a Prometheus /metrics HTTP
	// endpoint. Spec-silent (see SPEC_FULL.md §6 Ambient Stack); off by
	// default.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills the documented defaults (spec.md §6) for any field
// left unset.
func (c *Config) applyDefaults() {
	for i := range c.Servers {
		if c.Servers[i].Address == "" {
			c.Servers[i].Address = defaultServerAddress
		}
		if c.Servers[i].Port == 0 {
			c.Servers[i].Port = defaultServerPort
		}
	}
	if c.Local.Address == "" {
		c.Local.Address = defaultLocalAddress
	}
	if c.Local.Port == 0 {
		c.Local.Port = defaultLocalPort
	}
}

// Validate checks structural constraints and truncates overlong keys.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("config: at least one server entry is required")
	}
	if len(c.Servers) > MaxServer {
		return fmt.Errorf("config: %d servers exceeds MAX_SERVER=%d", len(c.Servers), MaxServer)
	}
	for i := range c.Servers {
		if c.Servers[i].Key == "" {
			return fmt.Errorf("config: servers[%d]: key is required", i)
		}
		if len(c.Servers[i].Key) > MaxKeyLen {
			// Bit-for-bit reproduction of the original's truncation.
			c.Servers[i].Key = c.Servers[i].Key[:MaxKeyLen]
		}
		if c.Servers[i].Port < 1 || c.Servers[i].Port > 65535 {
			return fmt.Errorf("config: servers[%d]: port %d out of range", i, c.Servers[i].Port)
		}
	}
	if c.Local.Port < 1 || c.Local.Port > 65535 {
		return fmt.Errorf("config: local: port %d out of range", c.Local.Port)
	}
	return nil
}

// SingleUpstream rewrites the config to the single-upstream shortcut
// implied by -s/-p/-k on the command line, matching the original's
// "conf.server_num = 1" behavior: any config-file server list is
// discarded in favor of the one upstream named on the command line.
func (c *Config) SingleUpstream(address string, port int, key string) {
	c.Servers = []ServerEntry{{Address: address, Port: port, Key: key}}
}

// Identity is a resolved server identity: the shared secret (already
// truncated to MaxKeyLen) and, for the client side, the resolved socket
// address of the upstream tunnel server.
type Identity struct {
	Addr   *net.TCPAddr
	Secret []byte
}

// ResolveServerPool resolves each configured server's {address, port}
// once, synchronously, at startup — only the first address returned for
// each name is used, per spec.md §4.5.
func ResolveServerPool(entries []ServerEntry) ([]Identity, error) {
	pool := make([]Identity, 0, len(entries))
	for i, e := range entries {
		addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(e.Address, strconv.Itoa(e.Port)))
		if err != nil {
			return nil, fmt.Errorf("config: resolve server[%d] %s:%d: %w", i, e.Address, e.Port, err)
		}
		pool = append(pool, Identity{
			Addr:   addr,
			Secret: []byte(e.Key),
		})
	}
	return pool, nil
}

// ServerPool holds the resolved upstream identities the client selects
// from at random, one per SOCKS5 connection.
type ServerPool struct {
	identities []Identity
}

// NewServerPool wraps a resolved identity list for random selection.
func NewServerPool(identities []Identity) *ServerPool {
	return &ServerPool{identities: identities}
}

// Pick selects one identity uniformly at random using crypto/rand
// (the Go-idiomatic, and on Linux literal, equivalent of the original's
// /dev/urandom-backed selection).
func (p *ServerPool) Pick() (Identity, error) {
	if len(p.identities) == 0 {
		return Identity{}, fmt.Errorf("config: server pool is empty")
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(p.identities))))
	if err != nil {
		return Identity{}, fmt.Errorf("config: random selection: %w", err)
	}
	return p.identities[n.Int64()], nil
}

// RandomIV draws 236 fresh random bytes for a handshake IV, from the same
// CSPRNG as Pick.
func RandomIV() ([]byte, error) {
	iv := make([]byte, 236)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("config: random IV: %w", err)
	}
	return iv, nil
}
