// Package config loads the parcel YAML configuration and resolves named servers,
// falling back to host aliases from the user's OpenSSH client configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/kevinburke/ssh_config"
	"github.com/tanq16/parcel/internal/utils"
	"gopkg.in/yaml.v3"
)

var ErrUnknownServer = errors.New("unknown server")

type ServerEntry struct {
	Host     string `yaml:"host"`
	User     string `yaml:"user"`
	Port     uint16 `yaml:"port,omitempty"`
	Key      string `yaml:"key,omitempty"`
	Password string `yaml:"password,omitempty"`
}

type Config struct {
	DefaultServer string                 `yaml:"default_server,omitempty"`
	ChunkSize     string                 `yaml:"chunk_size,omitempty"`
	Concurrency   int                    `yaml:"concurrency,omitempty"`
	TempDir       string                 `yaml:"temp_dir,omitempty"`
	ArchiveName   string                 `yaml:"archive_name,omitempty"`
	Transport     string                 `yaml:"transport,omitempty"`
	History       *bool                  `yaml:"history,omitempty"`
	Servers       map[string]ServerEntry `yaml:"servers,omitempty"`

	// SSHConfigPath is where host aliases are looked up; not part of the file.
	SSHConfigPath string `yaml:"-"`
}

// DefaultPath honours PARCEL_CONFIG, then ~/.config/parcel/config.yaml.
func DefaultPath() string {
	if p := os.Getenv("PARCEL_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(Dir(), "config.yaml")
}

// Dir is the directory holding parcel's config and history database.
func Dir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "parcel")
	}
	return utils.ExpandHome("~/.config/parcel")
}

// Load reads path; a missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error reading config file: %v", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %v", err)
		}
	}
	cfg.applyDefaults()
	if _, err := utils.ParseSize(cfg.ChunkSize); err != nil {
		return nil, fmt.Errorf("config chunk_size: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ChunkSize == "" {
		c.ChunkSize = utils.DefaultChunkSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = utils.DefaultConcurrency
	}
	if c.TempDir == "" {
		c.TempDir = utils.DefaultTempDir
	}
	if c.ArchiveName == "" {
		c.ArchiveName = utils.DefaultArchiveName
	}
	if c.Transport == "" {
		c.Transport = utils.DefaultTransport
	}
	if c.SSHConfigPath == "" {
		c.SSHConfigPath = utils.ExpandHome("~/.ssh/config")
	}
}

// HistoryEnabled defaults to true when the key is absent.
func (c *Config) HistoryEnabled() bool {
	return c.History == nil || *c.History
}

// ServerNames returns configured server names in order.
func (c *Config) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve picks a server by name, or the configured default when useDefault is set.
func (c *Config) Resolve(name string, useDefault bool) (utils.ServerDescriptor, error) {
	if name == "" && useDefault {
		name = c.DefaultServer
		if name == "" {
			return utils.ServerDescriptor{}, errors.New("no default_server configured")
		}
	}
	if name == "" {
		return utils.ServerDescriptor{}, errors.New("no server selected, use --server NAME or --default")
	}
	var server utils.ServerDescriptor
	if entry, ok := c.Servers[name]; ok {
		server = utils.ServerDescriptor{
			Name:     name,
			Host:     entry.Host,
			User:     entry.User,
			Port:     entry.Port,
			KeyPath:  entry.Key,
			Password: entry.Password,
		}
	} else {
		var err error
		if server, err = c.fromSSHConfig(name); err != nil {
			return utils.ServerDescriptor{}, err
		}
	}
	if server.Port == 0 {
		server.Port = utils.DefaultSSHPort
	}
	if err := server.Validate(); err != nil {
		return utils.ServerDescriptor{}, fmt.Errorf("server %q: %w", name, err)
	}
	return server, nil
}

func (c *Config) fromSSHConfig(alias string) (utils.ServerDescriptor, error) {
	f, err := os.Open(c.SSHConfigPath)
	if err != nil {
		return utils.ServerDescriptor{}, fmt.Errorf("%w: %q", ErrUnknownServer, alias)
	}
	defer f.Close()
	sshCfg, err := ssh_config.Decode(f)
	if err != nil {
		return utils.ServerDescriptor{}, fmt.Errorf("error parsing %s: %v", c.SSHConfigPath, err)
	}
	get := func(key string) string {
		v, _ := sshCfg.Get(alias, key)
		return v
	}
	hostName, user, identity := get("HostName"), get("User"), get("IdentityFile")
	if hostName == "" && user == "" && identity == "" {
		return utils.ServerDescriptor{}, fmt.Errorf("%w: %q", ErrUnknownServer, alias)
	}
	if hostName == "" {
		hostName = alias
	}
	if user == "" {
		user = os.Getenv("USER")
	}
	server := utils.ServerDescriptor{Name: alias, Host: hostName, User: user}
	if p := get("Port"); p != "" {
		port, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return utils.ServerDescriptor{}, fmt.Errorf("invalid port %q for %s: %v", p, alias, err)
		}
		server.Port = uint16(port)
	}
	if identity != "" {
		server.KeyPath = identity
	} else {
		server.KeyPath = defaultIdentity()
	}
	return server, nil
}

func defaultIdentity() string {
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		p := utils.ExpandHome(filepath.Join("~/.ssh", name))
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
