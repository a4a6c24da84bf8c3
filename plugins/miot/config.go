package miot

import (
	"errors"
	"fmt"
	"time"

	"github.com/joshp123/gomiot/internal/config"
	"github.com/joshp123/gomiot/plugins/miot/micloud"
	"github.com/joshp123/gomiot/plugins/miot/miio"
)

// Config defines runtime configuration for the MIoT client.
type Config struct {
	Accounts []micloud.Account
	Devices  []StaticDevice

	Discovery DiscoveryConfig
	// Session is the template for every device session. Address, DID and
	// Token are filled per device.
	Session miio.SessionConfig

	PollInterval         time.Duration
	CloudRefreshInterval time.Duration
	CloudRateLimit       int
	SpecCache            bool

	MQTT MQTTConfig
}

// StaticDevice is a device pinned in config with a known address and token.
type StaticDevice struct {
	DID     string
	Address string
	Token   miio.Token
	Model   string
	Name    string
}

type DiscoveryConfig struct {
	Enabled          bool
	BroadcastAddress string
	Interval         time.Duration
	Window           time.Duration
}

type MQTTConfig struct {
	Enabled     bool
	Broker      string
	TopicPrefix string
	ClientID    string
	Username    string
	Password    string
}

// ConfigFromFile converts the loaded config file into runtime config,
// resolving password files and parsing device tokens.
func ConfigFromFile(cfg *config.Config) (Config, error) {
	if cfg == nil || cfg.Miot == nil {
		return Config{}, errors.New("miot config is required")
	}
	m := cfg.Miot

	out := Config{
		Discovery: DiscoveryConfig{
			Enabled:          m.Discovery.Enabled == nil || *m.Discovery.Enabled,
			BroadcastAddress: m.Discovery.BroadcastAddress,
			Interval:         m.Discovery.Interval,
			Window:           m.Discovery.Window,
		},
		Session: miio.SessionConfig{
			QueryDelay:       m.Session.QueryDelay,
			CallTimeout:      m.Session.CallTimeout,
			HandshakeTimeout: m.Session.HandshakeTimeout,
			RetryBackoff:     m.Session.RetryBackoff,
			ReconnectDelay:   m.Session.ReconnectDelay,
			MaxAckRetries:    m.Session.MaxAckRetries,
			VerifyChecksum:   m.Session.VerifyChecksum,
		},
		PollInterval:         m.PollInterval,
		CloudRefreshInterval: m.CloudRefreshInterval,
		CloudRateLimit:       m.CloudRateLimit,
		SpecCache:            m.SpecCache == nil || *m.SpecCache,
	}

	for _, a := range m.Accounts {
		password, err := a.ResolvePassword()
		if err != nil {
			return Config{}, fmt.Errorf("miot account %s: %w", a.Username, err)
		}
		out.Accounts = append(out.Accounts, micloud.Account{
			Username: a.Username,
			Password: password,
			Locale:   a.Locale,
			Country:  a.Country,
			ClientID: a.ClientID,
			AgentID:  a.AgentID,
		})
	}

	for _, d := range m.Devices {
		token, err := miio.ParseToken(d.Token)
		if err != nil {
			return Config{}, fmt.Errorf("miot device %s: %w", d.DID, err)
		}
		out.Devices = append(out.Devices, StaticDevice{
			DID:     d.DID,
			Address: d.Address,
			Token:   token,
			Model:   d.Model,
			Name:    d.Name,
		})
	}

	if cfg.MQTT.Enabled {
		password := ""
		if cfg.MQTT.PasswordFile != "" {
			secret, err := config.ReadSecretFile(cfg.MQTT.PasswordFile)
			if err != nil {
				return Config{}, fmt.Errorf("mqtt password: %w", err)
			}
			password = secret
		}
		out.MQTT = MQTTConfig{
			Enabled:     true,
			Broker:      cfg.MQTT.Broker,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    password,
		}
	}
	return out, nil
}
