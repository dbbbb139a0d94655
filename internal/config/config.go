package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`

	// Vault settings
	VaultBackend              string `envconfig:"VAULT_BACKEND" default:"sqlite"`
	VaultDir                  string `envconfig:"VAULT_DIR" default:""`
	VaultKey                  string `envconfig:"VAULT_KEY" default:""`
	VaultKeyFile              string `envconfig:"VAULT_KEY_FILE" default:""`
	VaultRequirePersistentKey bool   `envconfig:"VAULT_REQUIRE_PERSISTENT_KEY" default:"false"`

	// Terminal session settings
	TerminalDefaultCols  int    `envconfig:"TERMINAL_DEFAULT_COLS" default:"80"`
	TerminalDefaultRows  int    `envconfig:"TERMINAL_DEFAULT_ROWS" default:"24"`
	TerminalType         string `envconfig:"TERMINAL_TYPE" default:"xterm-256color"`
	SessionIdleTimeout   string `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m"`
	SessionReapSchedule  string `envconfig:"SESSION_REAP_SCHEDULE" default:"@every 1m"`
	SSHConnectTimeout    string `envconfig:"SSH_CONNECT_TIMEOUT" default:"30s"`
	SSHKeepaliveInterval string `envconfig:"SSH_KEEPALIVE_INTERVAL" default:"30s"`

	// Relay settings
	RelayPingInterval string  `envconfig:"RELAY_PING_INTERVAL" default:"30s"`
	RelayReadLimit    string  `envconfig:"RELAY_READ_LIMIT" default:"1MiB"`
	RelaySendQueue    int     `envconfig:"RELAY_SEND_QUEUE" default:"256"`
	RelayRateLimit    float64 `envconfig:"RELAY_RATE_LIMIT" default:"200"`
	RelayRateBurst    int     `envconfig:"RELAY_RATE_BURST" default:"200"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("CLAWORC", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// ResolvedLogPath returns LogPath, defaulting to a file under DataPath.
func (s Settings) ResolvedLogPath() string {
	if s.LogPath != "" {
		return s.LogPath
	}
	return filepath.Join(s.DataPath, "webssh.log")
}

func (s Settings) ResolvedDatabasePath() string {
	if s.DatabasePath != "" {
		return s.DatabasePath
	}
	return filepath.Join(s.DataPath, "webssh.db")
}

func (s Settings) ResolvedVaultDir() string {
	if s.VaultDir != "" {
		return s.VaultDir
	}
	return s.DataPath
}

func (s Settings) ResolvedVaultKeyFile() string {
	if s.VaultKeyFile != "" {
		return s.VaultKeyFile
	}
	return filepath.Join(s.ResolvedVaultDir(), "vault.key")
}

// Duration parses a duration setting, logging and returning fallback when
// the value is malformed.
func Duration(name, value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Invalid %s %q, using %s", name, value, fallback)
		return fallback
	}
	return d
}

// ReadLimit returns RelayReadLimit in bytes. Accepts human sizes like "512KiB" or "1MiB".
func (s Settings) ReadLimit() int64 {
	n, err := units.RAMInBytes(s.RelayReadLimit)
	if err != nil || n <= 0 {
		log.Printf("Invalid RELAY_READ_LIMIT %q, using 1MiB", s.RelayReadLimit)
		return 1 << 20
	}
	return n
}
