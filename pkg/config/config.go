package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/siohaza/oxine/internal/protocol"
)

var ErrUnverifiableLogins = errors.New("kept_salts is above 0 but heartbeat_url is empty, players would never be able to log in")

type Config struct {
	PacketTimeout    Duration          `toml:"packet_timeout"`
	PingSpacing      Duration          `toml:"ping_spacing"`
	DefaultWorld     string            `toml:"default_world"`
	Operators        []string          `toml:"operators"`
	KeptSalts        int               `toml:"kept_salts"`
	Name             string            `toml:"name"`
	HeartbeatURL     string            `toml:"heartbeat_url"`
	HeartbeatRetries int               `toml:"heartbeat_retries"`
	HeartbeatSpacing Duration          `toml:"heartbeat_spacing"`
	HeartbeatTimeout Duration          `toml:"heartbeat_timeout"`
	IP               string            `toml:"ip"`
	Port             int               `toml:"port"`
	MaxPlayers       int               `toml:"max_players"`
	Public           bool              `toml:"public"`
	MOTD             string            `toml:"motd"`
	MaxMessageLength int               `toml:"max_message_length"`
	LogToFile        bool              `toml:"log_to_file"`
	LogFile          string            `toml:"log_file"`
	HTTPAddr         string            `toml:"http_addr"`
	CommandsDir      string            `toml:"commands_dir"`
	GamemodeScript   string            `toml:"gamemode_script"`
	VotekickPercent  int               `toml:"votekick_percentage"`
	VotekickBan      Duration          `toml:"votekick_ban"`
	BansFile         string            `toml:"bans_file"`
	StorePath        string            `toml:"store_path"`
	BannedIPs        map[string]string `toml:"banned_ips"`
	BannedUsers      map[string]string `toml:"banned_users"`
	Worlds           []WorldConfig     `toml:"worlds"`
}

type WorldConfig struct {
	Name      string `toml:"name"`
	Width     int    `toml:"width"`
	Height    int    `toml:"height"`
	Length    int    `toml:"length"`
	Generator string `toml:"generator"`
	Seed      int64  `toml:"seed"`
}

const (
	GeneratorFlat  = "flat"
	GeneratorHills = "hills"

	maxWorldSize = 1024
)

func Default() *Config {
	return &Config{
		PacketTimeout:    Duration(10 * time.Second),
		PingSpacing:      Duration(500 * time.Millisecond),
		DefaultWorld:     "default",
		Operators:        []string{},
		KeptSalts:        0,
		Name:             "<Unnamed Server>",
		HeartbeatURL:     "",
		HeartbeatRetries: 3,
		HeartbeatSpacing: Duration(5 * time.Second),
		HeartbeatTimeout: Duration(5 * time.Second),
		IP:               "127.0.0.1",
		Port:             25565,
		MaxPlayers:       64,
		Public:           false,
		MOTD:             "Running on oxine",
		MaxMessageLength: 256,
		LogToFile:        false,
		LogFile:          "logs/oxine.log",
		HTTPAddr:         "",
		CommandsDir:      "scripts/commands",
		GamemodeScript:   "scripts/gamemodes/freebuild.lua",
		VotekickPercent:  35,
		VotekickBan:      Duration(30 * time.Minute),
		BansFile:         "data/bans.json",
		StorePath:        "data/blocks.db",
		BannedIPs:        map[string]string{},
		BannedUsers:      map[string]string{},
	}
}

func DefaultWorldConfig(name string) WorldConfig {
	return WorldConfig{
		Name:      name,
		Width:     128,
		Height:    64,
		Length:    128,
		Generator: GeneratorFlat,
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys: %v", undecoded)
	}

	cfg.applyDefaults()

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BannedIPs == nil {
		c.BannedIPs = map[string]string{}
	}
	if c.BannedUsers == nil {
		c.BannedUsers = map[string]string{}
	}
	if c.Operators == nil {
		c.Operators = []string{}
	}
	if len(c.Worlds) == 0 {
		c.Worlds = []WorldConfig{DefaultWorldConfig(c.DefaultWorld)}
	}
	for i := range c.Worlds {
		w := &c.Worlds[i]
		if w.Generator == "" {
			w.Generator = GeneratorFlat
		}
	}
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if net.ParseIP(c.IP) == nil {
		return fmt.Errorf("invalid ip: %q", c.IP)
	}
	if c.PacketTimeout <= 0 {
		return fmt.Errorf("packet_timeout must be positive")
	}
	if c.PingSpacing <= 0 {
		return fmt.Errorf("ping_spacing must be positive")
	}
	if c.MaxPlayers < 0 {
		return fmt.Errorf("max_players cannot be negative: %d", c.MaxPlayers)
	}
	if c.MaxMessageLength < 1 {
		return fmt.Errorf("max_message_length must be at least 1")
	}
	if c.VotekickPercent < 1 || c.VotekickPercent > 100 {
		return fmt.Errorf("votekick_percentage must be between 1 and 100: %d", c.VotekickPercent)
	}
	if c.VotekickBan < 0 {
		return fmt.Errorf("votekick_ban cannot be negative")
	}
	if c.KeptSalts < 0 {
		return fmt.Errorf("kept_salts cannot be negative: %d", c.KeptSalts)
	}
	if c.KeptSalts > 0 && c.HeartbeatURL == "" {
		return ErrUnverifiableLogins
	}
	if c.HeartbeatURL != "" {
		u, err := url.Parse(c.HeartbeatURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("invalid heartbeat_url: %q", c.HeartbeatURL)
		}
		if c.HeartbeatSpacing <= 0 || c.HeartbeatTimeout <= 0 {
			return fmt.Errorf("heartbeat_spacing and heartbeat_timeout must be positive")
		}
		if c.HeartbeatRetries < 0 {
			return fmt.Errorf("heartbeat_retries cannot be negative: %d", c.HeartbeatRetries)
		}
	}
	if !protocol.Representable(c.Name) {
		return fmt.Errorf("name has characters the client cannot display: %q", c.Name)
	}
	if !protocol.Representable(c.MOTD) {
		return fmt.Errorf("motd has characters the client cannot display: %q", c.MOTD)
	}
	for ip, reason := range c.BannedIPs {
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("invalid ip in banned_ips: %q", ip)
		}
		if !protocol.Representable(reason) {
			return fmt.Errorf("ban reason for %s has characters the client cannot display: %q", ip, reason)
		}
	}
	for name, reason := range c.BannedUsers {
		if !protocol.Representable(reason) {
			return fmt.Errorf("ban reason for %s has characters the client cannot display: %q", name, reason)
		}
	}

	seen := make(map[string]bool, len(c.Worlds))
	for _, w := range c.Worlds {
		if w.Name == "" {
			return fmt.Errorf("world name cannot be empty")
		}
		if seen[w.Name] {
			return fmt.Errorf("duplicate world name: %s", w.Name)
		}
		seen[w.Name] = true

		for _, dim := range []int{w.Width, w.Height, w.Length} {
			if dim < 1 || dim > maxWorldSize {
				return fmt.Errorf("world %s: dimensions must be between 1 and %d", w.Name, maxWorldSize)
			}
		}
		switch w.Generator {
		case GeneratorFlat, GeneratorHills:
		default:
			return fmt.Errorf("world %s: unknown generator %q", w.Name, w.Generator)
		}
	}
	if !seen[c.DefaultWorld] {
		return fmt.Errorf("default_world %q is not a configured world", c.DefaultWorld)
	}

	return nil
}

func (c *Config) Addr() string {
	return net.JoinHostPort(c.IP, strconv.Itoa(c.Port))
}

var comments = []struct {
	prefix  string
	comment string
}{
	{"packet_timeout", "How long to wait for a packet before disconnecting a player, in seconds."},
	{"ping_spacing", "How often pings are sent to clients, in seconds."},
	{"default_world", "The world players join when they connect."},
	{"operators", "Usernames with operator permissions."},
	{"kept_salts", "How many salts to keep for verifying login keys.\nIf this is 0, logins are not verified."},
	{"name", "The server name shown to players."},
	{"heartbeat_url", "The server list URL to send heartbeats to.\n\nIf this is blank, no heartbeats are sent.\nIf this is blank and kept_salts is above 0 the server refuses to start,\nsince nobody could log in."},
	{"heartbeat_retries", "How many times a failed heartbeat is retried before waiting for the next one."},
	{"heartbeat_spacing", "How often heartbeats are sent, in seconds."},
	{"heartbeat_timeout", "How long to wait for the server list to answer, in seconds."},
	{"ip", "The address to listen on."},
	{"port", "The port to listen on."},
	{"max_players", "The maximum number of players. 0 means no limit."},
	{"public", "Whether the server is listed publicly on the server list."},
	{"motd", "The message shown while joining."},
	{"max_message_length", "Chat messages longer than this are clipped."},
	{"log_to_file", "Also write logs to log_file, rotated by size."},
	{"http_addr", "Address for the status, metrics and websocket endpoint. Blank disables it."},
	{"commands_dir", "Directory holding Lua chat commands."},
	{"gamemode_script", "Lua script reacting to joins, chat and block changes. Blank disables it."},
	{"votekick_percentage", "Share of online players, in percent, needed to pass a votekick."},
	{"votekick_ban", "How long a votekicked player is banned, in seconds. 0 only kicks."},
	{"bans_file", "Where bans issued in game are stored."},
	{"store_path", "Database holding block edits."},
	{"[banned_ips]", "IP addresses mapped to ban reasons."},
	{"[banned_users]", "Usernames mapped to ban reasons."},
	{"[[worlds]]", "Worlds loaded at startup. generator is flat or hills."},
}

// Encode writes the config as TOML with a comment above each documented key.
func (c *Config) Encode() ([]byte, error) {
	var raw bytes.Buffer
	if err := toml.NewEncoder(&raw).Encode(c); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}

	var out bytes.Buffer
	seenWorlds := false
	scanner := bufio.NewScanner(&raw)
	for scanner.Scan() {
		line := scanner.Text()
		spaced := false
		for _, entry := range comments {
			if !strings.HasPrefix(line, entry.prefix) || !isKey(line, entry.prefix) {
				continue
			}
			if entry.prefix == "[[worlds]]" {
				if seenWorlds {
					break
				}
				seenWorlds = true
			}
			for _, l := range strings.Split(entry.comment, "\n") {
				out.WriteString(strings.TrimRight("# "+l, " "))
				out.WriteByte('\n')
			}
			spaced = !strings.HasPrefix(entry.prefix, "[")
			break
		}
		out.WriteString(line)
		out.WriteByte('\n')
		if spaced {
			out.WriteByte('\n')
		}
	}

	return out.Bytes(), scanner.Err()
}

func isKey(line, prefix string) bool {
	if strings.HasPrefix(prefix, "[") {
		return line == prefix
	}
	rest := strings.TrimPrefix(line, prefix)
	return strings.HasPrefix(strings.TrimSpace(rest), "=")
}

func WriteDefault(path string) (*Config, error) {
	cfg := Default()
	cfg.applyDefaults()

	data, err := cfg.Encode()
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write config file: %w", err)
	}

	return cfg, nil
}

// LoadOrCreate loads path, writing the default config there first when the
// file does not exist.
func LoadOrCreate(path string) (*Config, bool, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg, err := WriteDefault(path)
		return cfg, true, err
	}
	cfg, err := LoadConfig(path)
	return cfg, false, err
}
