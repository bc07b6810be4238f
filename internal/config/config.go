package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/xmppconn/internal/engine"
	"github.com/meszmate/xmppconn/internal/logging"
)

const appName = "xmppconn"

// Config represents the main application configuration
type Config struct {
	General    GeneralConfig    `toml:"general"`
	Logging    LoggingConfig    `toml:"logging"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Connection ConnectionConfig `toml:"connection"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	DataDir string `toml:"data_dir"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	Console    bool   `toml:"console"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Listen    string `toml:"listen"`
	Namespace string `toml:"namespace"`
}

// ConnectionConfig contains the connection worker settings
type ConnectionConfig struct {
	ConnectTimeout         Duration `toml:"connect_timeout"`
	DiscoveryTimeout       Duration `toml:"discovery_timeout"`
	BaseBackoff            Duration `toml:"base_backoff"`
	MaxBackoff             Duration `toml:"max_backoff"`
	PolicyViolationBackoff Duration `toml:"policy_violation_backoff"`
	PingInterval           Duration `toml:"ping_interval"`
	PingTimeout            Duration `toml:"ping_timeout"`
	// DiscoItemsFirst is "auto", "always" or "never"
	DiscoItemsFirst string `toml:"disco_items_first"`
	Software        string `toml:"software"`
	Device          string `toml:"device"`
	TorProxy        string `toml:"tor_proxy"`
}

// Duration is a time.Duration written as a string ("30s") in TOML.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Account represents an XMPP account configuration
type Account struct {
	JID        string `toml:"jid"`
	Password   string `toml:"password"`
	Resource   string `toml:"resource"`
	Server     string `toml:"server"`
	Port       int    `toml:"port"`
	DirectTLS  bool   `toml:"direct_tls"`
	Tor        bool   `toml:"tor"`
	Register   bool   `toml:"register"`
	ClientCert string `toml:"client_cert"`
	ClientKey  string `toml:"client_key"`
	Enabled    *bool  `toml:"enabled"`
}

// IsEnabled reports whether the account should be connected. Accounts are
// enabled unless they say otherwise.
func (a Account) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// AccountsConfig contains all account configurations
type AccountsConfig struct {
	Accounts []Account `toml:"accounts"`
}

// Paths holds the XDG-compliant paths for the application
type Paths struct {
	ConfigDir string
	DataDir   string
	CacheDir  string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	d := engine.DefaultConfig()
	return &Config{
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Metrics: MetricsConfig{
			Listen:    "127.0.0.1:9464",
			Namespace: appName,
		},
		Connection: ConnectionConfig{
			ConnectTimeout:         Duration(d.ConnectTimeout),
			DiscoveryTimeout:       Duration(d.DiscoveryTimeout),
			BaseBackoff:            Duration(d.BaseBackoff),
			MaxBackoff:             Duration(d.MaxBackoff),
			PolicyViolationBackoff: Duration(d.PolicyViolationBackoff),
			PingInterval:           Duration(d.PingInterval),
			PingTimeout:            Duration(d.PingTimeout),
			DiscoItemsFirst:        "auto",
			Software:               d.Software,
		},
	}
}

// GetPaths returns XDG-compliant paths for the application
func GetPaths() (*Paths, error) {
	configDir, err := xdgDir("XDG_CONFIG_HOME", ".config")
	if err != nil {
		return nil, err
	}
	dataDir, err := xdgDir("XDG_DATA_HOME", ".local", "share")
	if err != nil {
		return nil, err
	}
	cacheDir, err := xdgDir("XDG_CACHE_HOME", ".cache")
	if err != nil {
		return nil, err
	}
	return &Paths{
		ConfigDir: filepath.Join(configDir, appName),
		DataDir:   filepath.Join(dataDir, appName),
		CacheDir:  filepath.Join(cacheDir, appName),
	}, nil
}

func xdgDir(env string, fallback ...string) (string, error) {
	if dir := os.Getenv(env); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(append([]string{home}, fallback...)...), nil
}

// EnsureDirectories creates the necessary directories
func (p *Paths) EnsureDirectories() error {
	dirs := []string{p.ConfigDir, p.DataDir, p.CacheDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Load loads config.toml from the config directory
func Load(paths *Paths) (*Config, error) {
	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	configPath := filepath.Join(paths.ConfigDir, "config.toml")

	if _, err := os.Stat(configPath); err == nil {
		if _, err := toml.DecodeFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	switch cfg.Connection.DiscoItemsFirst {
	case "", "auto", "always", "never":
	default:
		return nil, fmt.Errorf("invalid disco_items_first %q", cfg.Connection.DiscoItemsFirst)
	}

	// Expand paths
	if cfg.General.DataDir == "" {
		cfg.General.DataDir = paths.DataDir
	} else {
		cfg.General.DataDir = expandPath(cfg.General.DataDir)
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.General.DataDir, appName+".log")
	} else {
		cfg.Logging.File = expandPath(cfg.Logging.File)
	}

	return cfg, nil
}

// LoadAccounts loads account configurations
func LoadAccounts(paths *Paths) (*AccountsConfig, error) {
	accountsPath := filepath.Join(paths.ConfigDir, "accounts.toml")

	if _, err := os.Stat(accountsPath); os.IsNotExist(err) {
		return &AccountsConfig{Accounts: []Account{}}, nil
	}

	var accounts AccountsConfig
	if _, err := toml.DecodeFile(accountsPath, &accounts); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}

	for i := range accounts.Accounts {
		a := &accounts.Accounts[i]
		if a.JID == "" {
			return nil, fmt.Errorf("account %d has no jid", i)
		}
		a.ClientCert = expandPath(a.ClientCert)
		a.ClientKey = expandPath(a.ClientKey)
	}

	return &accounts, nil
}

// Save saves the configuration to the config file
func Save(paths *Paths, cfg *Config) error {
	return encodeFile(filepath.Join(paths.ConfigDir, "config.toml"), cfg)
}

// SaveAccounts saves account configurations
func SaveAccounts(paths *Paths, accounts *AccountsConfig) error {
	return encodeFile(filepath.Join(paths.ConfigDir, "accounts.toml"), accounts)
}

func encodeFile(path string, v interface{}) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}

	return nil
}

// LoggingConfig converts the [logging] section
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:      c.Logging.Level,
		File:       c.Logging.File,
		Console:    c.Logging.Console,
		Format:     c.Logging.Format,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
	}
}

// EngineConfig converts the [connection] section
func (c *Config) EngineConfig() engine.Config {
	cc := c.Connection
	cfg := engine.DefaultConfig()
	set := func(dst *time.Duration, v Duration) {
		if v > 0 {
			*dst = time.Duration(v)
		}
	}
	set(&cfg.ConnectTimeout, cc.ConnectTimeout)
	set(&cfg.DiscoveryTimeout, cc.DiscoveryTimeout)
	set(&cfg.BaseBackoff, cc.BaseBackoff)
	set(&cfg.MaxBackoff, cc.MaxBackoff)
	set(&cfg.PingInterval, cc.PingInterval)
	set(&cfg.PingTimeout, cc.PingTimeout)
	// zero disables the policy violation penalty
	cfg.PolicyViolationBackoff = time.Duration(cc.PolicyViolationBackoff)

	switch cc.DiscoItemsFirst {
	case "always":
		cfg.DiscoOrder = engine.DiscoItemsFirst
	case "never":
		cfg.DiscoOrder = engine.DiscoInfoFirst
	default:
		cfg.DiscoOrder = engine.DiscoAuto
	}
	if cc.Software != "" {
		cfg.Software = cc.Software
	}
	cfg.Device = cc.Device
	cfg.TorProxy = cc.TorProxy
	return cfg
}

// EngineAccount converts an account entry. Persisted state is layered on
// top by the store.
func (a Account) EngineAccount() (engine.Account, error) {
	j, err := jid.Parse(a.JID)
	if err != nil {
		return engine.Account{}, fmt.Errorf("invalid jid %q: %w", a.JID, err)
	}
	acct := engine.Account{
		JID:       j.Bare(),
		Password:  a.Password,
		Resource:  a.Resource,
		Server:    a.Server,
		Port:      a.Port,
		DirectTLS: a.DirectTLS,
		Tor:       a.Tor,
		Register:  a.Register,
	}
	if acct.Resource == "" {
		acct.Resource = j.Resourcepart()
	}
	if a.ClientCert != "" {
		cert, err := tls.LoadX509KeyPair(a.ClientCert, a.ClientKey)
		if err != nil {
			return engine.Account{}, fmt.Errorf("failed to load client certificate: %w", err)
		}
		acct.ClientCertificate = &cert
	}
	return acct, nil
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
