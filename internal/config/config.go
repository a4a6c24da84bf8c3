package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SchemaVersion     = 1
	DefaultPath       = "/etc/gomiot/config.yaml"
	DefaultGRPCAddr   = "0.0.0.0:9000"
	DefaultHTTPAddr   = "0.0.0.0:8080"
	DefaultStoreDir   = "/var/lib/gomiot"
	DefaultBlobPrefix = "gomiot"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"

	DefaultMQTTTopicPrefix = "gomiot"

	DefaultBroadcastAddress     = "255.255.255.255"
	DefaultDiscoveryInterval    = 5 * time.Minute
	DefaultDiscoveryWindow      = 3 * time.Second
	DefaultPollInterval         = time.Minute
	DefaultCloudRefreshInterval = 6 * time.Hour
	DefaultCloudRateLimit       = 30
)

var validCountries = []string{"ru", "us", "tw", "sg", "cn", "de", "in", "i2"}

type Config struct {
	SchemaVersion int           `yaml:"schema_version"`
	Core          CoreConfig    `yaml:"core"`
	Logging       LoggingConfig `yaml:"logging"`
	Store         StoreConfig   `yaml:"store"`
	MQTT          MQTTConfig    `yaml:"mqtt"`
	Miot          *MiotConfig   `yaml:"miot"`
}

type CoreConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
	// Plugins restricts the active plugins. Empty means every configured one.
	Plugins []string `yaml:"plugins"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	File     string `yaml:"file"`
	MaxFiles int    `yaml:"max_files"`
}

// StoreConfig selects where the device table and spec cache live. A blob
// section switches from the local directory to S3-compatible storage.
type StoreConfig struct {
	Dir  string      `yaml:"dir"`
	Blob *BlobConfig `yaml:"blob"`
}

type BlobConfig struct {
	Endpoint      string `yaml:"endpoint"`
	Bucket        string `yaml:"bucket"`
	Prefix        string `yaml:"prefix"`
	AccessKeyFile string `yaml:"access_key_file"`
	SecretKeyFile string `yaml:"secret_key_file"`
	Region        string `yaml:"region"`
}

type MQTTConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Broker       string `yaml:"broker"`
	TopicPrefix  string `yaml:"topic_prefix"`
	ClientID     string `yaml:"client_id"`
	Username     string `yaml:"username"`
	PasswordFile string `yaml:"password_file"`
}

type MiotConfig struct {
	Accounts  []AccountConfig `yaml:"accounts"`
	Devices   []DeviceConfig  `yaml:"devices"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Session   SessionConfig   `yaml:"session"`

	PollInterval         time.Duration `yaml:"poll_interval"`
	CloudRefreshInterval time.Duration `yaml:"cloud_refresh_interval"`
	CloudRateLimit       int           `yaml:"cloud_rate_limit_per_minute"`
	SpecCache            *bool         `yaml:"spec_cache"`
}

type AccountConfig struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PasswordFile string `yaml:"password_file"`
	Locale       string `yaml:"locale"`
	Country      string `yaml:"country"`
	ClientID     string `yaml:"client_id"`
	AgentID      string `yaml:"agent_id"`
}

// DeviceConfig pins a device that is not (or not only) known to the cloud.
type DeviceConfig struct {
	DID     string `yaml:"did"`
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
	Model   string `yaml:"model"`
	Name    string `yaml:"name"`
}

type DiscoveryConfig struct {
	Enabled          *bool         `yaml:"enabled"`
	BroadcastAddress string        `yaml:"broadcast_address"`
	Interval         time.Duration `yaml:"interval"`
	Window           time.Duration `yaml:"window"`
}

// SessionConfig tunes device sessions. Zero values take the protocol defaults.
type SessionConfig struct {
	QueryDelay       time.Duration `yaml:"query_delay"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
	MaxAckRetries    int           `yaml:"max_ack_retries"`
	VerifyChecksum   bool          `yaml:"verify_checksum"`
}

// Load reads the YAML config file, applies defaults and environment
// overrides, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	applyEnv(cfg, os.LookupEnv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Core.GRPCAddr == "" {
		cfg.Core.GRPCAddr = DefaultGRPCAddr
	}
	if cfg.Core.HTTPAddr == "" {
		cfg.Core.HTTPAddr = DefaultHTTPAddr
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLogFormat
	}

	if cfg.Store.Dir == "" && cfg.Store.Blob == nil {
		cfg.Store.Dir = DefaultStoreDir
	}
	if cfg.Store.Blob != nil && cfg.Store.Blob.Prefix == "" {
		cfg.Store.Blob.Prefix = DefaultBlobPrefix
	}

	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = DefaultMQTTTopicPrefix
	}

	if cfg.Miot == nil {
		return
	}
	m := cfg.Miot
	if m.Discovery.Enabled == nil {
		enabled := true
		m.Discovery.Enabled = &enabled
	}
	if m.Discovery.BroadcastAddress == "" {
		m.Discovery.BroadcastAddress = DefaultBroadcastAddress
	}
	if m.Discovery.Interval == 0 {
		m.Discovery.Interval = DefaultDiscoveryInterval
	}
	if m.Discovery.Window == 0 {
		m.Discovery.Window = DefaultDiscoveryWindow
	}
	if m.PollInterval == 0 {
		m.PollInterval = DefaultPollInterval
	}
	if m.CloudRefreshInterval == 0 {
		m.CloudRefreshInterval = DefaultCloudRefreshInterval
	}
	if m.CloudRateLimit == 0 {
		m.CloudRateLimit = DefaultCloudRateLimit
	}
	if m.SpecCache == nil {
		on := true
		m.SpecCache = &on
	}
	for i := range m.Accounts {
		if m.Accounts[i].Locale == "" {
			m.Accounts[i].Locale = "en"
		}
		if m.Accounts[i].Country == "" {
			m.Accounts[i].Country = "ru"
		}
	}
}

type lookupFunc func(string) (string, bool)

// applyEnv overrides selected fields from GOMIOT_* variables.
func applyEnv(cfg *Config, lookup lookupFunc) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("GOMIOT_GRPC_ADDR", &cfg.Core.GRPCAddr)
	str("GOMIOT_HTTP_ADDR", &cfg.Core.HTTPAddr)
	str("GOMIOT_LOG_LEVEL", &cfg.Logging.Level)
	str("GOMIOT_LOG_FORMAT", &cfg.Logging.Format)
	str("GOMIOT_LOG_FILE", &cfg.Logging.File)
	str("GOMIOT_STORE_DIR", &cfg.Store.Dir)
	str("GOMIOT_MQTT_BROKER", &cfg.MQTT.Broker)
	if v, ok := lookup("GOMIOT_MQTT_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MQTT.Enabled = b
		}
	}
}

// Validate reports every problem at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if cfg.SchemaVersion != SchemaVersion {
		add("schema_version must be %d", SchemaVersion)
	}
	if cfg.Core.GRPCAddr == "" {
		add("core.grpc_addr is required")
	}
	if cfg.Core.HTTPAddr == "" {
		add("core.http_addr is required")
	}

	switch cfg.Logging.Format {
	case "text", "json":
	default:
		add("logging.format must be text or json")
	}
	if cfg.Logging.MaxFiles < 0 {
		add("logging.max_files must not be negative")
	}

	if b := cfg.Store.Blob; b != nil {
		if b.Endpoint == "" {
			add("store.blob.endpoint is required")
		}
		if b.Bucket == "" {
			add("store.blob.bucket is required")
		}
		if b.AccessKeyFile == "" {
			add("store.blob.access_key_file is required")
		}
		if b.SecretKeyFile == "" {
			add("store.blob.secret_key_file is required")
		}
	}

	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		add("mqtt.broker is required when mqtt is enabled")
	}

	if m := cfg.Miot; m != nil {
		if len(m.Accounts) == 0 && len(m.Devices) == 0 {
			add("miot needs at least one account or device")
		}
		seen := map[string]bool{}
		for i, a := range m.Accounts {
			if a.Username == "" {
				add("miot.accounts[%d].username is required", i)
			}
			if a.Password == "" && a.PasswordFile == "" {
				add("miot.accounts[%d] needs password or password_file", i)
			}
			if !contains(validCountries, a.Country) {
				add("miot.accounts[%d].country %q is not one of %s", i, a.Country, strings.Join(validCountries, ", "))
			}
			if seen[a.Username] {
				add("miot.accounts[%d].username %q is duplicated", i, a.Username)
			}
			seen[a.Username] = true
		}
		dids := map[string]bool{}
		for i, d := range m.Devices {
			if d.DID == "" {
				add("miot.devices[%d].did is required", i)
			}
			if d.Address == "" {
				add("miot.devices[%d].address is required", i)
			}
			if len(d.Token) != 32 {
				add("miot.devices[%d].token must be 32 hex characters", i)
			}
			if dids[d.DID] {
				add("miot.devices[%d].did %q is duplicated", i, d.DID)
			}
			dids[d.DID] = true
		}
		if m.Session.MaxAckRetries < 0 {
			add("miot.session.max_ack_retries must not be negative")
		}
		if m.CloudRateLimit < 0 {
			add("miot.cloud_rate_limit_per_minute must not be negative")
		}
	}

	return errors.Join(errs...)
}

// EnabledPlugins maps enabled plugin IDs based on config presence.
func EnabledPlugins(cfg *Config) map[string]bool {
	enabled := make(map[string]bool)
	if cfg == nil {
		return enabled
	}
	if len(cfg.Core.Plugins) > 0 {
		for _, id := range cfg.Core.Plugins {
			enabled[id] = true
		}
		return enabled
	}
	if cfg.Miot != nil {
		enabled["miot"] = true
	}
	return enabled
}

// ResolvePassword returns the inline password or the trimmed contents of
// password_file.
func (a AccountConfig) ResolvePassword() (string, error) {
	if a.Password != "" {
		return a.Password, nil
	}
	if a.PasswordFile == "" {
		return "", fmt.Errorf("account %s has no password", a.Username)
	}
	return ReadSecretFile(a.PasswordFile)
}

// Account returns the account with the given username.
func (m *MiotConfig) Account(username string) (AccountConfig, bool) {
	if m == nil {
		return AccountConfig{}, false
	}
	for _, a := range m.Accounts {
		if a.Username == username {
			return a, true
		}
	}
	return AccountConfig{}, false
}

func ReadSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
