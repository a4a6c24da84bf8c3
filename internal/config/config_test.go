package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
schema_version: 1
core:
  grpc_addr: 127.0.0.1:9100
logging:
  level: debug
  format: json
store:
  dir: /tmp/gomiot
mqtt:
  enabled: true
  broker: tcp://mqtt.local:1883
miot:
  accounts:
    - username: me@example.com
      password_file: /run/secrets/mi
      country: de
  devices:
    - did: "123456"
      address: 192.168.1.20
      token: 00112233445566778899aabbccddeeff
      model: dreame.vacuum.p2008
  discovery:
    interval: 10m
  session:
    retry_backoff: 3s
    max_ack_retries: 5
    verify_checksum: true
  poll_interval: 30s
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9100", cfg.Core.GRPCAddr)
	assert.Equal(t, DefaultHTTPAddr, cfg.Core.HTTPAddr)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, DefaultMQTTTopicPrefix, cfg.MQTT.TopicPrefix)

	m := cfg.Miot
	require.NotNil(t, m)
	assert.Equal(t, "en", m.Accounts[0].Locale)
	assert.Equal(t, "de", m.Accounts[0].Country)
	assert.Equal(t, DefaultBroadcastAddress, m.Discovery.BroadcastAddress)
	assert.Equal(t, 10*time.Minute, m.Discovery.Interval)
	assert.True(t, *m.Discovery.Enabled)
	assert.Equal(t, 3*time.Second, m.Session.RetryBackoff)
	assert.Equal(t, 5, m.Session.MaxAckRetries)
	assert.True(t, m.Session.VerifyChecksum)
	assert.Equal(t, 30*time.Second, m.PollInterval)
	assert.Equal(t, DefaultCloudRateLimit, m.CloudRateLimit)
	assert.True(t, *m.SpecCache)

	assert.Equal(t, map[string]bool{"miot": true}, EnabledPlugins(cfg))
}

func TestValidateCollectsProblems(t *testing.T) {
	_, err := Parse([]byte(`
schema_version: 2
logging:
  format: xml
mqtt:
  enabled: true
miot:
  accounts:
    - username: a
      country: zz
    - username: a
      password: x
  devices:
    - did: "1"
      token: short
`))
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"schema_version must be 1",
		"logging.format",
		"mqtt.broker is required",
		"miot.accounts[0] needs password",
		`country "zz"`,
		`username "a" is duplicated`,
		"miot.devices[0].address is required",
		"miot.devices[0].token",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidateNeedsAccountOrDevice(t *testing.T) {
	_, err := Parse([]byte("schema_version: 1\nmiot: {}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one account or device")
}

func TestApplyEnv(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	env := map[string]string{
		"GOMIOT_GRPC_ADDR":    "0.0.0.0:7000",
		"GOMIOT_LOG_LEVEL":    "warn",
		"GOMIOT_MQTT_ENABLED": "true",
		"GOMIOT_MQTT_BROKER":  "tcp://broker:1883",
	}
	applyEnv(cfg, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	assert.Equal(t, "0.0.0.0:7000", cfg.Core.GRPCAddr)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
}

func TestLoadAndResolvePassword(t *testing.T) {
	dir := t.TempDir()
	secret := filepath.Join(dir, "mi")
	require.NoError(t, os.WriteFile(secret, []byte("s3cret\n"), 0o600))

	path := filepath.Join(dir, "config.yaml")
	body := "schema_version: 1\nmiot:\n  accounts:\n    - username: me\n      password_file: " + secret + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	acct, ok := cfg.Miot.Account("me")
	require.True(t, ok)
	pw, err := acct.ResolvePassword()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", pw)

	_, ok = cfg.Miot.Account("other")
	assert.False(t, ok)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestEnabledPluginsOverride(t *testing.T) {
	cfg := &Config{Core: CoreConfig{Plugins: []string{"miot", "extra"}}}
	assert.Equal(t, map[string]bool{"miot": true, "extra": true}, EnabledPlugins(cfg))
	assert.Empty(t, EnabledPlugins(&Config{}))
}
