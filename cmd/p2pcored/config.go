// Command p2pcored runs the Bitcoin SV peer connection manager as a
// standalone daemon. Its configuration flow is modeled on lnd's
// config.go LoadConfig: a default struct populated first, overridden by an
// ini config file, then overridden again by command-line flags so flags
// always win, using the same github.com/jessevdk/go-flags struct-tag
// binding.
package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/bsv-blockchain/p2p-core/bsvnet"
	"github.com/bsv-blockchain/p2p-core/connconfig"
)

const (
	defaultDataDir    = "data"
	defaultPeerFile   = "peers.json"
	defaultConfigFile = "p2pcored.conf"
	defaultLogLevel   = "info"
)

// config is the daemon's full set of tunables, flattened from
// bsvnet.Config and connconfig.Config into flag-taggable fields.
type config struct {
	ConfigFile string `long:"configfile" description:"Path to configuration file"`
	DataDir    string `long:"datadir" description:"Directory to store the peer snapshot in"`

	Network string `long:"network" description:"Which network to connect to" choice:"mainnet" choice:"testnet" choice:"regtest"`

	TargetConnections int      `long:"targetconnections" description:"Steady-state outbound connection count"`
	MaxConnections    int      `long:"maxconnections" description:"Maximum inbound + outbound connections"`
	DNSSeeds          []string `long:"dnsseed" description:"DNS seed hostname (may be repeated)"`
	DefaultPort       uint16   `long:"defaultport" description:"Port assumed for peers discovered without one"`
	BannedUserAgents  []string `long:"banuseragent" description:"Glob pattern of a user agent to reject (may be repeated)"`

	ListenAddr string `long:"listen" description:"Address to accept inbound connections on, empty disables listening"`

	PingInterval      time.Duration `long:"pinginterval" description:"Keepalive ping cadence"`
	PingTimeout       time.Duration `long:"pingtimeout" description:"Time without a Pong before a connection is faulted"`
	HandshakeTimeout  time.Duration `long:"handshaketimeout" description:"Time allowed to complete the version handshake"`
	InitialBackoff    time.Duration `long:"initialbackoff" description:"First retry delay after a failed dial"`
	MaxRetries        int           `long:"maxretries" description:"Retries before a peer is marked Inaccessible"`
	BackoffMultiplier float64       `long:"backoffmultiplier" description:"Backoff growth factor per retry"`
	MaxRestarts       int           `long:"maxrestarts" description:"Restarts allowed within RestartWindow"`
	RestartWindow     time.Duration `long:"restartwindow" description:"Window the restart budget is measured over"`

	SnapshotInterval time.Duration `long:"snapshotinterval" description:"How often the peer repository is persisted"`
	SeedInterval     time.Duration `long:"seedinterval" description:"How often DNS seed hostnames are re-resolved"`

	MetricsAddr string `long:"metricsaddr" description:"Address to expose Prometheus /metrics on, empty disables it"`

	LogLevel string `long:"loglevel" description:"Subsystem log level (trace, debug, info, warn, error, critical)"`

	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`
}

func defaultConfig() config {
	return config{
		ConfigFile: defaultConfigFile,
		DataDir:    defaultDataDir,
		Network:    "mainnet",

		TargetConnections: 8,
		MaxConnections:    20,
		DefaultPort:       8333,

		PingInterval:      5 * time.Minute,
		PingTimeout:       2 * time.Minute,
		HandshakeTimeout:  30 * time.Second,
		InitialBackoff:    5 * time.Second,
		MaxRetries:        10,
		BackoffMultiplier: 2.0,
		MaxRestarts:       3,
		RestartWindow:     time.Hour,

		SnapshotInterval: 5 * time.Minute,
		SeedInterval:     time.Hour,

		LogLevel: defaultLogLevel,
	}
}

// loadConfig follows lnd's LoadConfig sequence: defaults, then an ini file
// (if present; a missing file is not an error), then flags again so
// command-line values always win.
func loadConfig() (*config, error) {
	preCfg := defaultConfig()
	parser := flags.NewParser(&preCfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	if preCfg.ShowVersion {
		fmt.Println("p2pcored", "version", version)
		os.Exit(0)
	}

	cfg := preCfg
	if err := flags.IniParse(preCfg.ConfigFile, &cfg); err != nil {
		if _, ok := err.(*flags.IniError); ok {
			return nil, err
		}
		// A missing config file is fine; command-line values and
		// defaults stand on their own.
	}

	if _, err := flags.NewParser(&cfg, flags.Default).Parse(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *config) peerFilePath() string {
	return filepath.Join(c.DataDir, defaultPeerFile)
}

func (c *config) network() (bsvnet.Network, error) {
	switch c.Network {
	case "mainnet":
		return bsvnet.Mainnet, nil
	case "testnet":
		return bsvnet.Testnet, nil
	case "regtest":
		return bsvnet.Regtest, nil
	default:
		return 0, fmt.Errorf("unknown network %q", c.Network)
	}
}

func (c *config) netConfig() (*bsvnet.Config, error) {
	network, err := c.network()
	if err != nil {
		return nil, err
	}

	netCfg := &bsvnet.Config{
		Network:           network,
		TargetConnections: c.TargetConnections,
		MaxConnections:    c.MaxConnections,
		DNSSeeds:          c.DNSSeeds,
		DefaultPort:       c.DefaultPort,
		PeerFilePath:      c.peerFilePath(),
		BannedUserAgents:  c.BannedUserAgents,
		LogThreshold:      c.LogLevel,
	}

	if c.ListenAddr != "" {
		host, portStr, err := net.SplitHostPort(c.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address %q: %w", c.ListenAddr, err)
		}
		var port uint16
		if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
			return nil, fmt.Errorf("invalid listen port %q: %w", portStr, err)
		}
		bindIP := net.ParseIP(host)
		if bindIP == nil {
			bindIP = net.IPv4zero
		}
		netCfg.Listener = bsvnet.ListenerConfig{Enabled: true, BindIP: bindIP, Port: port}
	}

	if err := netCfg.Validate(); err != nil {
		return nil, err
	}
	return netCfg, nil
}

func (c *config) connConfig() (*connconfig.Config, error) {
	connCfg := &connconfig.Config{
		PingInterval:      c.PingInterval,
		PingTimeout:       c.PingTimeout,
		HandshakeTimeout:  c.HandshakeTimeout,
		InitialBackoff:    c.InitialBackoff,
		MaxRetries:        c.MaxRetries,
		BackoffMultiplier: c.BackoffMultiplier,
		MaxRestarts:       c.MaxRestarts,
		RestartWindow:     c.RestartWindow,
	}
	if err := connCfg.Validate(); err != nil {
		return nil, err
	}
	return connCfg, nil
}
