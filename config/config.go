// Package config parses proxy configuration (§6 / SPEC_FULL.md
// component K) from command-line flags, optionally overlaid by a YAML
// file, following the same flag-plus-yaml-overlay shape as the
// teacher's config.Config/Parse/ToOptions.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/httprelay/httprelay/engine"
	"github.com/httprelay/httprelay/logging"
)

const (
	defaultHost                 = ""
	defaultPort                 = 8080
	defaultChunkSize            = 4096
	defaultTimeout              = 60 * time.Second
	defaultMaxClients           = 256
	defaultMaxConnections       = 1024
	defaultMaxKeepAliveRequests = 100
	defaultConnectTimeout       = 10 * time.Second
	defaultConnectIdleTimeout   = 5 * time.Minute
	defaultStartServers         = 2
	defaultMaxRequestsPerChild  = 1000
	defaultVerifyDelay          = 1 * time.Second

	configFileUsage          = "if provided, the flags below are overwritten by the values in this YAML file"
	hostUsage                = "network address the proxy listens on (empty means all interfaces)"
	portUsage                = "TCP port the proxy listens on (0 lets the OS choose)"
	chunkUsage               = "read buffer size, in bytes, used to stream response bodies from upstream"
	timeoutUsage             = "timeout for one whole upstream request/response exchange"
	maxClientsUsage          = "maximum concurrent client connections accepted"
	maxConnectionsUsage      = "maximum client connections accepted over the process lifetime before refusing new ones (0 disables the limit)"
	maxKeepAliveUsage        = "maximum requests served on one client connection before it is closed"
	viaUsage                 = "value of the Via header token this proxy adds to forwarded messages"
	xForwardedForUsage       = "add an X-Forwarded-For header to forwarded requests"
	engineUsage              = "concurrency engine: single, forkperconn, scoreboard, or threaded"
	logmaskUsage             = "comma-separated diagnostic log categories: status,process,connect,headers,filter (or none)"
	connectTimeoutUsage      = "dial timeout for CONNECT tunnels"
	connectIdleTimeoutUsage  = "idle timeout for an established CONNECT tunnel"
	minSpareUsage            = "minimum idle workers the scoreboard engine tries to keep ready"
	maxSpareUsage            = "maximum idle workers the scoreboard engine tolerates before killing one"
	startServersUsage        = "workers the scoreboard engine pre-forks at startup"
	maxRequestsPerChildUsage = "requests a scoreboard worker serves before exiting (0 disables the limit)"
	verifyDelayUsage         = "interval at which the scoreboard engine probes worker pids and rebalances spares"
)

// Config is the proxy's full runtime configuration, built by Parse.
type Config struct {
	ConfigFile string `yaml:"-"`

	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	Chunk                int           `yaml:"chunk"`
	Timeout              time.Duration `yaml:"timeout"`
	MaxClients           int           `yaml:"max_clients"`
	MaxConnections       int           `yaml:"max_connections"`
	MaxKeepAliveRequests int           `yaml:"max_keep_alive_requests"`

	Via           string `yaml:"via"`
	XForwardedFor bool   `yaml:"x_forwarded_for"`

	EngineName string      `yaml:"engine"`
	Engine     engine.Kind `yaml:"-"`

	MinSpareServers     int           `yaml:"min_spare_servers"`
	MaxSpareServers     int           `yaml:"max_spare_servers"`
	StartServers        int           `yaml:"start_servers"`
	MaxRequestsPerChild int           `yaml:"max_requests_per_child"`
	VerifyDelay         time.Duration `yaml:"verify_delay"`

	LogMaskString string       `yaml:"logmask"`
	LogMask       logging.Mask `yaml:"-"`

	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	ConnectIdleTimeout time.Duration `yaml:"connect_idle_timeout"`
}

// New registers every flag against the standard flag.CommandLine flag
// set and returns the Config those flags populate.
func New() *Config {
	c := &Config{}

	flag.StringVar(&c.ConfigFile, "config-file", "", configFileUsage)
	flag.StringVar(&c.Host, "host", defaultHost, hostUsage)
	flag.IntVar(&c.Port, "port", defaultPort, portUsage)
	flag.IntVar(&c.Chunk, "chunk", defaultChunkSize, chunkUsage)
	flag.DurationVar(&c.Timeout, "timeout", defaultTimeout, timeoutUsage)
	flag.IntVar(&c.MaxClients, "max-clients", defaultMaxClients, maxClientsUsage)
	flag.IntVar(&c.MaxConnections, "max-connections", defaultMaxConnections, maxConnectionsUsage)
	flag.IntVar(&c.MaxKeepAliveRequests, "max-keep-alive-requests", defaultMaxKeepAliveRequests, maxKeepAliveUsage)
	flag.StringVar(&c.Via, "via", "httprelay", viaUsage)
	flag.BoolVar(&c.XForwardedFor, "x-forwarded-for", true, xForwardedForUsage)
	flag.StringVar(&c.EngineName, "engine", "single", engineUsage)
	flag.StringVar(&c.LogMaskString, "logmask", "status", logmaskUsage)
	flag.DurationVar(&c.ConnectTimeout, "connect-timeout", defaultConnectTimeout, connectTimeoutUsage)
	flag.DurationVar(&c.ConnectIdleTimeout, "connect-idle-timeout", defaultConnectIdleTimeout, connectIdleTimeoutUsage)
	flag.IntVar(&c.MinSpareServers, "min-spare-servers", 2, minSpareUsage)
	flag.IntVar(&c.MaxSpareServers, "max-spare-servers", 8, maxSpareUsage)
	flag.IntVar(&c.StartServers, "start-servers", defaultStartServers, startServersUsage)
	flag.IntVar(&c.MaxRequestsPerChild, "max-requests-per-child", defaultMaxRequestsPerChild, maxRequestsPerChildUsage)
	flag.DurationVar(&c.VerifyDelay, "verify-delay", defaultVerifyDelay, verifyDelayUsage)

	return c
}

// Parse parses args (normally os.Args[1:]), overlays a YAML config file if one was
// named with -config-file, re-parses flags so command-line values win
// over the file (matching the teacher's Parse), then resolves the
// string-typed fields (engine, logmask) into their parsed forms.
func (c *Config) Parse(args []string) error {
	if err := flag.CommandLine.Parse(args); err != nil {
		return err
	}

	if c.ConfigFile != "" {
		raw, err := os.ReadFile(c.ConfigFile)
		if err != nil {
			return fmt.Errorf("config: reading config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, c); err != nil {
			return fmt.Errorf("config: parsing config file: %w", err)
		}
		if err := flag.CommandLine.Parse(args); err != nil {
			return err
		}
	}

	kind, err := engine.ParseKind(normalizeEngineName(c.EngineName))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.Engine = kind

	mask, err := logging.ParseMask(c.LogMaskString)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.LogMask = mask

	return c.validate()
}

func (c *Config) validate() error {
	// Port 0 is valid: it tells net.Listen to let the OS pick a free
	// port (§6 "port ... 0 = auto"), the way an ephemeral test listener
	// would.
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.Chunk <= 0 {
		return fmt.Errorf("config: chunk size must be positive")
	}
	if c.MaxClients <= 0 {
		return fmt.Errorf("config: max-clients must be positive")
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("config: max-connections must not be negative")
	}
	if c.MaxKeepAliveRequests <= 0 {
		return fmt.Errorf("config: max-keep-alive-requests must be positive")
	}
	if c.MinSpareServers < 0 || c.MaxSpareServers < c.MinSpareServers {
		return fmt.Errorf("config: max-spare-servers must be >= min-spare-servers")
	}
	if c.StartServers < 0 {
		return fmt.Errorf("config: start-servers must not be negative")
	}
	if c.MaxRequestsPerChild < 0 {
		return fmt.Errorf("config: max-requests-per-child must not be negative")
	}
	if c.VerifyDelay <= 0 {
		return fmt.Errorf("config: verify-delay must be positive")
	}
	return nil
}

// Addr renders the listen address for net.Listen.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ForwardedMethodSet builds the lookup table connserver.Config wants.
func ForwardedMethodSet(methods []string) map[string]bool {
	out := make(map[string]bool, len(methods))
	for _, m := range methods {
		out[m] = true
	}
	return out
}

// SupportedSchemeSet builds the scheme lookup table connserver.Config
// wants; http and https are the only schemes this proxy forwards
// (§4.H Validate).
func SupportedSchemeSet() map[string]bool {
	return map[string]bool{"http": true, "https": true}
}

func normalizeEngineName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
