// Package config holds the dispatcher's configuration: per-mode flag sets
// with an optional YAML file supplying defaults. Flags win over the file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/Meistache/pixelated-dispatcher/internal/ports"
)

// Manager configures the management daemon.
type Manager struct {
	Bind     string `yaml:"bind"`
	SSLCert  string `yaml:"sslcert"`
	SSLKey   string `yaml:"sslkey"`
	RootPath string `yaml:"root_path"`
	Backend  string `yaml:"backend"` // "fork" or "docker"
	DBPath   string `yaml:"db_path"`

	LeapProvider            string `yaml:"leap_provider"`
	LeapProviderCA          string `yaml:"leap_provider_ca"`
	LeapProviderFingerprint string `yaml:"leap_provider_fingerprint"`
	LeapAPIURL              string `yaml:"leap_api_url"`

	DockerHost  string `yaml:"docker_host"`
	DockerImage string `yaml:"docker_image"`
	AgentBin    string `yaml:"agent_bin"`

	MinPort int `yaml:"min_port"`
	MaxPort int `yaml:"max_port"`

	Daemon  bool   `yaml:"daemon"`
	PidFile string `yaml:"pidfile"`
	LogJSON bool   `yaml:"log_json"`
	Debug   bool   `yaml:"debug"`
}

// Proxy configures the public-facing front end.
type Proxy struct {
	Bind    string `yaml:"bind"`
	SSLCert string `yaml:"sslcert"`
	SSLKey  string `yaml:"sslkey"`

	Manager               string `yaml:"manager"` // host:port of the manager API
	Fingerprint           string `yaml:"fingerprint"`
	DisableVerifyHostname bool   `yaml:"disable_verifyhostname"`

	Banner     string `yaml:"banner"` // path to an HTML fragment for the login page
	CookieSeed string `yaml:"cookie_seed"`

	Daemon  bool   `yaml:"daemon"`
	PidFile string `yaml:"pidfile"`
	LogJSON bool   `yaml:"log_json"`
	Debug   bool   `yaml:"debug"`
}

// Client configures the command line client.
type Client struct {
	Server    string `yaml:"server"` // host:port of the manager API
	NoSSL     bool   `yaml:"no_ssl"`
	SkipCheck bool   `yaml:"no_check_certificate"`
	Debug     bool   `yaml:"debug"`
}

// LoadManager parses manager configuration from args.
func LoadManager(args []string) (*Manager, error) {
	cfg := &Manager{
		Bind:    "localhost:4443",
		Backend: "docker",
		MinPort: ports.DefaultMinPort,
		MaxPort: ports.DefaultMaxPort,
	}
	if err := applyConfigFile(args, cfg); err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet("manager", flag.ContinueOnError)
	fs.String("config", "", "path to a YAML configuration file")
	fs.StringVar(&cfg.Bind, "bind", cfg.Bind, "address the management API listens on")
	fs.StringVar(&cfg.SSLCert, "sslcert", cfg.SSLCert, "TLS certificate file")
	fs.StringVar(&cfg.SSLKey, "sslkey", cfg.SSLKey, "TLS key file")
	fs.StringVar(&cfg.RootPath, "root-path", cfg.RootPath, "directory holding the per-user trees")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "agent backend: fork or docker")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path of the audit log database")
	fs.StringVar(&cfg.LeapProvider, "leap-provider", cfg.LeapProvider, "hostname of the LEAP provider")
	fs.StringVar(&cfg.LeapProviderCA, "leap-provider-ca", cfg.LeapProviderCA, "provider CA bundle path, or auto")
	fs.StringVar(&cfg.LeapProviderFingerprint, "leap-provider-fingerprint", cfg.LeapProviderFingerprint, "pin the provider certificate by SHA-256 fingerprint")
	fs.StringVar(&cfg.LeapAPIURL, "leap-api-url", cfg.LeapAPIURL, "provider API base URL (default https://api.<provider>)")
	fs.StringVar(&cfg.DockerHost, "docker-host", cfg.DockerHost, "Docker daemon address (default from environment)")
	fs.StringVar(&cfg.DockerImage, "docker-image", cfg.DockerImage, "agent image name")
	fs.StringVar(&cfg.AgentBin, "agent-bin", cfg.AgentBin, "agent executable for the fork backend")
	fs.IntVar(&cfg.MinPort, "min-port", cfg.MinPort, "lowest agent port")
	fs.IntVar(&cfg.MaxPort, "max-port", cfg.MaxPort, "highest agent port")
	fs.BoolVar(&cfg.Daemon, "daemon", cfg.Daemon, "detach from the terminal (handled by the init system)")
	fs.StringVar(&cfg.PidFile, "pidfile", cfg.PidFile, "write the process id to this file")
	fs.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "log JSON instead of text")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "verbose logging and error bodies")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks manager configuration for invalid values.
func (c *Manager) Validate() error {
	var errs []error
	if c.RootPath == "" {
		errs = append(errs, errors.New("--root-path is required"))
	}
	switch c.Backend {
	case "fork", "docker":
	default:
		errs = append(errs, fmt.Errorf("--backend must be fork or docker, got %q", c.Backend))
	}
	if c.Backend == "fork" && c.AgentBin == "" {
		errs = append(errs, errors.New("--agent-bin is required with the fork backend"))
	}
	if c.MinPort <= 0 || c.MaxPort < c.MinPort {
		errs = append(errs, fmt.Errorf("invalid port range %d-%d", c.MinPort, c.MaxPort))
	}
	if (c.SSLCert == "") != (c.SSLKey == "") {
		errs = append(errs, errors.New("--sslcert and --sslkey must be given together"))
	}
	if c.LeapProvider == "" {
		errs = append(errs, errors.New("--leap-provider is required"))
	}
	return errors.Join(errs...)
}

// APIURL returns the provider API base URL, derived from the provider
// hostname unless overridden.
func (c *Manager) APIURL() string {
	if c.LeapAPIURL != "" {
		return c.LeapAPIURL
	}
	return "https://api." + c.LeapProvider
}

// StatePath is where the manager keeps its own files (generated TLS
// material, default database). It is a sibling of the root path: every
// directory under the root path itself is a user, so the manager must not
// write anything else there.
func (c *Manager) StatePath() string {
	return filepath.Clean(c.RootPath) + ".state"
}

// DatabasePath returns the audit database location, defaulting into the
// manager state directory.
func (c *Manager) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.StatePath(), "dispatcher.db")
}

// LoadProxy parses proxy configuration from args.
func LoadProxy(args []string) (*Proxy, error) {
	cfg := &Proxy{
		Bind:    ":8080",
		Manager: "localhost:4443",
	}
	if err := applyConfigFile(args, cfg); err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet("proxy", flag.ContinueOnError)
	fs.String("config", "", "path to a YAML configuration file")
	fs.StringVar(&cfg.Bind, "bind", cfg.Bind, "address the proxy listens on")
	fs.StringVar(&cfg.SSLCert, "sslcert", cfg.SSLCert, "TLS certificate file")
	fs.StringVar(&cfg.SSLKey, "sslkey", cfg.SSLKey, "TLS key file")
	fs.StringVar(&cfg.Manager, "manager", cfg.Manager, "host:port of the management API")
	fs.StringVar(&cfg.Fingerprint, "fingerprint", cfg.Fingerprint, "pin the manager certificate by SHA-256 fingerprint")
	fs.BoolVar(&cfg.DisableVerifyHostname, "disable-verifyhostname", cfg.DisableVerifyHostname, "skip hostname verification of the manager certificate")
	fs.StringVar(&cfg.Banner, "banner", cfg.Banner, "HTML fragment shown on the login page")
	fs.StringVar(&cfg.CookieSeed, "cookie-seed", cfg.CookieSeed, "hex seed for session cookie keys (random when empty)")
	fs.BoolVar(&cfg.Daemon, "daemon", cfg.Daemon, "detach from the terminal (handled by the init system)")
	fs.StringVar(&cfg.PidFile, "pidfile", cfg.PidFile, "write the process id to this file")
	fs.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "log JSON instead of text")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "verbose logging and error bodies")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks proxy configuration for invalid values.
func (c *Proxy) Validate() error {
	var errs []error
	if c.Manager == "" {
		errs = append(errs, errors.New("--manager is required"))
	}
	if (c.SSLCert == "") != (c.SSLKey == "") {
		errs = append(errs, errors.New("--sslcert and --sslkey must be given together"))
	}
	return errors.Join(errs...)
}

// LoadClient parses client flags from args and returns the remaining
// command words.
func LoadClient(args []string) (*Client, []string, error) {
	cfg := &Client{Server: "localhost:4443"}

	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	fs.StringVar(&cfg.Server, "server", cfg.Server, "host:port of the management API")
	fs.BoolVar(&cfg.SkipCheck, "k", cfg.SkipCheck, "do not verify the manager certificate")
	fs.BoolVar(&cfg.SkipCheck, "no-check-certificate", cfg.SkipCheck, "do not verify the manager certificate")
	fs.BoolVar(&cfg.NoSSL, "no-ssl", cfg.NoSSL, "talk plain HTTP to the manager")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return cfg, fs.Args(), nil
}

// applyConfigFile loads the YAML file named by a --config argument, if any,
// into cfg before flag parsing.
func applyConfigFile(args []string, cfg any) error {
	path := configFileArg(args)
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func configFileArg(args []string) string {
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--config" || args[i] == "-config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case len(args[i]) > 9 && args[i][:9] == "--config=":
			return args[i][9:]
		case len(args[i]) > 8 && args[i][:8] == "-config=":
			return args[i][8:]
		}
	}
	return ""
}
