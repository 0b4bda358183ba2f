// Package config loads roadmon settings from defaults, an optional config
// file, ROADMON_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/connectpng/roadmon/internal/ledger"
	"github.com/connectpng/roadmon/internal/notify"
)

// EnvPrefix prefixes every environment variable; ROADMON_WS_URL overrides
// the relay endpoint.
const EnvPrefix = "ROADMON"

// Keys.
const (
	KeyAPIURL            = "api_url"
	KeyWSURL             = "ws_url"
	KeyResyncPath        = "resync_path"
	KeyToken             = "token"
	KeyUserID            = "user_id"
	KeyDataDir           = "data_dir"
	KeyDBPath            = "db_path"
	KeyInboxDir          = "inbox_dir"
	KeyReconnectDelay    = "reconnect.delay"
	KeyReconnectMaxDelay = "reconnect.max_delay"
	KeyReconnectFactor   = "reconnect.multiplier"
	KeyReconnectAttempts = "reconnect.max_attempts"
	KeyResyncInterval    = "resync.interval"
	KeyResyncTimeout     = "resync.timeout"
	KeyLedgerPolicy      = "ledger.policy"
	KeyNotifyPermission  = "notify.permission"
	KeyRelayHost         = "relay.host"
	KeyRelayPort         = "relay.port"
	KeyLogFile           = "log.file"
	KeyLogMaxSizeMB      = "log.max_size_mb"
	KeyLogMaxBackups     = "log.max_backups"
	KeyLogMaxAgeDays     = "log.max_age_days"
)

// Config is the resolved configuration.
type Config struct {
	APIURL     string
	WSURL      string
	ResyncURL  string
	Token      string
	UserID     string
	DataDir    string
	DBPath     string
	InboxDir   string
	ConfigFile string

	ReconnectDelay       time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMultiplier  float64
	ReconnectMaxAttempts int
	ResyncInterval       time.Duration
	ResyncTimeout        time.Duration

	LedgerPolicy     ledger.Policy
	NotifyPermission notify.Permission

	RelayHost string
	RelayPort int

	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyAPIURL, "http://localhost:8080")
	v.SetDefault(KeyWSURL, "")
	v.SetDefault(KeyResyncPath, "/api/realtime/sync")
	v.SetDefault(KeyToken, "")
	v.SetDefault(KeyUserID, "")
	v.SetDefault(KeyDataDir, ".roadmon")
	v.SetDefault(KeyDBPath, "")
	v.SetDefault(KeyInboxDir, "")
	v.SetDefault(KeyReconnectDelay, 3*time.Second)
	v.SetDefault(KeyReconnectMaxDelay, time.Duration(0))
	v.SetDefault(KeyReconnectFactor, 0.0)
	v.SetDefault(KeyReconnectAttempts, 0)
	v.SetDefault(KeyResyncInterval, 30*time.Second)
	v.SetDefault(KeyResyncTimeout, 10*time.Second)
	v.SetDefault(KeyLedgerPolicy, string(ledger.KeepFailed))
	v.SetDefault(KeyNotifyPermission, string(notify.PermissionGranted))
	v.SetDefault(KeyRelayHost, "")
	v.SetDefault(KeyRelayPort, 8080)
	v.SetDefault(KeyLogFile, "")
	v.SetDefault(KeyLogMaxSizeMB, 10)
	v.SetDefault(KeyLogMaxBackups, 3)
	v.SetDefault(KeyLogMaxAgeDays, 28)
}

// New returns a viper instance with defaults and environment binding set
// up. When cfgFile is empty, roadmon.{yaml,toml} is searched for in the
// working directory and the data directory.
func New(cfgFile string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("roadmon")
		v.AddConfigPath(".")
		v.AddConfigPath(".roadmon")
	}
	return v
}

// Load reads the config file, if any, and resolves v into a Config.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return Resolve(v)
}

// Resolve builds a Config from v without touching the filesystem.
func Resolve(v *viper.Viper) (*Config, error) {
	c := &Config{
		APIURL:               strings.TrimRight(v.GetString(KeyAPIURL), "/"),
		WSURL:                v.GetString(KeyWSURL),
		Token:                v.GetString(KeyToken),
		UserID:               v.GetString(KeyUserID),
		DataDir:              v.GetString(KeyDataDir),
		DBPath:               v.GetString(KeyDBPath),
		InboxDir:             v.GetString(KeyInboxDir),
		ConfigFile:           v.ConfigFileUsed(),
		ReconnectDelay:       v.GetDuration(KeyReconnectDelay),
		ReconnectMaxDelay:    v.GetDuration(KeyReconnectMaxDelay),
		ReconnectMultiplier:  v.GetFloat64(KeyReconnectFactor),
		ReconnectMaxAttempts: v.GetInt(KeyReconnectAttempts),
		ResyncInterval:       v.GetDuration(KeyResyncInterval),
		ResyncTimeout:        v.GetDuration(KeyResyncTimeout),
		RelayHost:            v.GetString(KeyRelayHost),
		RelayPort:            v.GetInt(KeyRelayPort),
		LogFile:              v.GetString(KeyLogFile),
		LogMaxSizeMB:         v.GetInt(KeyLogMaxSizeMB),
		LogMaxBackups:        v.GetInt(KeyLogMaxBackups),
		LogMaxAgeDays:        v.GetInt(KeyLogMaxAgeDays),
	}

	var err error
	if c.LedgerPolicy, err = ledger.ParsePolicy(v.GetString(KeyLedgerPolicy)); err != nil {
		return nil, err
	}
	if c.NotifyPermission, err = notify.ParsePermission(v.GetString(KeyNotifyPermission)); err != nil {
		return nil, err
	}

	if c.WSURL == "" && c.APIURL != "" {
		if c.WSURL, err = DeriveWSURL(c.APIURL); err != nil {
			return nil, err
		}
	}
	if c.APIURL != "" {
		c.ResyncURL = c.APIURL + "/" + strings.TrimLeft(v.GetString(KeyResyncPath), "/")
	}

	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "cache.db")
	}
	if c.InboxDir == "" {
		c.InboxDir = filepath.Join(c.DataDir, "inbox")
	}

	if c.ReconnectDelay <= 0 {
		return nil, fmt.Errorf("%s must be positive, got %v", KeyReconnectDelay, c.ReconnectDelay)
	}
	if c.ResyncInterval < 0 {
		return nil, fmt.Errorf("%s cannot be negative", KeyResyncInterval)
	}

	return c, nil
}

// DeriveWSURL turns an API base URL into the relay WebSocket URL:
// http://host -> ws://host/ws, https://host -> wss://host/ws.
func DeriveWSURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("invalid %s %q: %w", KeyAPIURL, apiURL, err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid %s %q: scheme must be http or https", KeyAPIURL, apiURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid %s %q: missing host", KeyAPIURL, apiURL)
	}

	u.Path = "/ws"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Endpoints returns the relay endpoints the sync service connects to. An
// empty WSURL means no relay.
func (c *Config) Endpoints() []string {
	if c.WSURL == "" {
		return nil
	}
	return []string{c.WSURL}
}
