// Package config loads catboxd's static TOML configuration.
package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

var sidPattern = regexp.MustCompile(`^[0-9][0-9A-Z]{2}$`)

// Listener is a single socket the daemon accepts client or server
// connections on.
type Listener struct {
	Host    string
	Port    string
	TLS     bool `toml:"tls"`
	Server  bool // Accept only server (TS6) links on this listener.
}

// ServerBlock describes a peer we may link to or accept a link from.
type ServerBlock struct {
	Name     string
	Hostname string
	Port     int
	Pass     string
	Class    string
	AutoConn bool `toml:"autoconn"`
}

// OperBlock describes an operator credential.
type OperBlock struct {
	Name       string
	Pass       string // Plain text; compared as given with the OPER password, no hashing.
	Host       string // user@host mask required to OPER.
	CertFP     string `toml:"certfp"`
	Privileges []string
}

// ClassBlock bounds connection limits for a class of clients/servers.
type ClassBlock struct {
	Name        string
	MaxClients  int           `toml:"max_clients"`
	PingFreq    time.Duration `toml:"ping_freq"`
	ConnFreq    time.Duration `toml:"conn_freq"`
	SendQueue   int           `toml:"sendq"`
}

// ChannelPolicy holds the channel-mode-engine tunables from spec.md §6.
type ChannelPolicy struct {
	MaxBans            int  `toml:"max_bans"`
	MaxBansLarge       int  `toml:"max_bans_large"`
	MaxChansPerUser    int  `toml:"max_chans_per_user"`
	UseExcept          bool `toml:"use_except"`
	UseInvex           bool `toml:"use_invex"`
	UseForward         bool `toml:"use_forward"`
	KickOnSplitRiding  bool `toml:"kick_on_split_riding"`
}

// General holds network-wide tunables from spec.md §6 "general".
type General struct {
	PingTime         time.Duration `toml:"ping_time"`
	DeadTime         time.Duration `toml:"dead_time"`
	WakeupTime       time.Duration `toml:"wakeup_time"`
	MaxClients       int           `toml:"max_clients"`
	FloodCount       int           `toml:"flood_count"`
	TargetChange     int           `toml:"target_change"`
	CallerIDWait     time.Duration `toml:"caller_id_wait"`
	ClientFlood      int           `toml:"client_flood"`
	TSMaxDelta       int64         `toml:"ts_max_delta"`
	TSWarnDelta      int64         `toml:"ts_warn_delta"`
	NoOperFlood      bool          `toml:"no_oper_flood"`
	SplitNumServers  int           `toml:"split_num_servers"`
	SplitNumUsers    int           `toml:"split_num_users"`
	MaxRatelimitTokens int         `toml:"max_ratelimit_tokens"`
	FlattenLinks     bool          `toml:"flatten_links"`
	PingCookie       bool          `toml:"ping_cookie"`
}

// HelperBlock describes how many instances of one of the ssld/authd/
// wsockd child processes to spawn and what binary to spawn (spec.md
// §4.11, §6 "server-info... ssld_count").
type HelperBlock struct {
	Path  string
	Count int
}

// HelpersConfig holds the three external collaborator process pools.
type HelpersConfig struct {
	SSLD   HelperBlock `toml:"ssld"`
	Authd  HelperBlock `toml:"authd"`
	Wsockd HelperBlock `toml:"wsockd"`
}

// Config is the full daemon configuration, decoded from a TOML file.
type Config struct {
	ServerName  string `toml:"server_name"`
	ServerInfo  string `toml:"server_info"`
	Description string
	Version     string
	CreatedDate string `toml:"created_date"`
	MOTD        string
	TS6SID      string `toml:"ts6_sid"`

	MaxNickLength int `toml:"max_nick_length"`

	MetricsListen string `toml:"metrics_listen"`
	BanDBPath     string `toml:"ban_db_path"`

	Listeners []Listener
	Servers   map[string]ServerBlock
	Opers     map[string]OperBlock
	Classes   map[string]ClassBlock

	Channel ChannelPolicy
	General General
	Helpers HelpersConfig `toml:"helpers"`
}

// Load reads and validates a TOML configuration file.
func Load(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, errors.Wrap(err, "decoding config file")
	}

	if err := c.validate(); err != nil {
		return nil, errors.Wrap(err, "validating config")
	}

	return &c, nil
}

func (c *Config) validate() error {
	if c.ServerName == "" {
		return fmt.Errorf("server_name is required")
	}
	if c.MaxNickLength <= 0 {
		c.MaxNickLength = 30
	}
	if !sidPattern.MatchString(c.TS6SID) {
		return fmt.Errorf("ts6_sid %q is not in the form [0-9][0-9A-Z]{2}", c.TS6SID)
	}
	if c.General.PingTime == 0 {
		c.General.PingTime = 90 * time.Second
	}
	if c.General.DeadTime == 0 {
		c.General.DeadTime = 180 * time.Second
	}
	if c.General.WakeupTime == 0 {
		c.General.WakeupTime = 10 * time.Second
	}
	if c.Channel.MaxBans == 0 {
		c.Channel.MaxBans = 100
	}
	if c.Channel.MaxBansLarge == 0 {
		c.Channel.MaxBansLarge = 500
	}
	if c.Channel.MaxChansPerUser == 0 {
		c.Channel.MaxChansPerUser = 50
	}
	if c.General.ClientFlood == 0 {
		c.General.ClientFlood = 20
	}
	if c.General.TargetChange == 0 {
		c.General.TargetChange = 10
	}
	if c.General.TSMaxDelta == 0 {
		c.General.TSMaxDelta = 600
	}
	if c.General.MaxRatelimitTokens == 0 {
		c.General.MaxRatelimitTokens = 10
	}
	if c.General.SplitNumServers == 0 {
		c.General.SplitNumServers = 1
	}
	if c.General.SplitNumUsers == 0 {
		c.General.SplitNumUsers = 1
	}
	if c.Helpers.SSLD.Count == 0 {
		c.Helpers.SSLD.Count = 1
	}
	if c.Helpers.Authd.Count == 0 {
		c.Helpers.Authd.Count = 1
	}
	return nil
}
