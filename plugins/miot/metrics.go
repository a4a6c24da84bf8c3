package miot

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/joshp123/gomiot/plugins/miot/micloud"
)

// MetricsCollector exports device and account state from the client's last
// poll. It never talks to devices itself.
type MetricsCollector struct {
	client *Client

	devices       prometheus.Gauge
	deviceInfo    *prometheus.GaugeVec
	online        *prometheus.GaugeVec
	lastSeen      *prometheus.GaugeVec
	lastPoll      *prometheus.GaugeVec
	property      *prometheus.GaugeVec
	accountLogged *prometheus.GaugeVec
}

func NewMetricsCollector(client *Client) *MetricsCollector {
	labels := []string{"did", "name", "model"}
	return &MetricsCollector{
		client: client,
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gomiot_miot_devices",
			Help: "Number of known devices",
		}),
		deviceInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gomiot_miot_device_info",
			Help: "Device metadata (always 1)",
		}, []string{"did", "name", "model", "source", "account", "state"}),
		online: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gomiot_miot_device_online",
			Help: "Whether the device answered its last exchange (1=yes, 0=no)",
		}, labels),
		lastSeen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gomiot_miot_device_last_seen_timestamp_seconds",
			Help: "Last time the device answered (seconds since epoch)",
		}, labels),
		lastPoll: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gomiot_miot_device_last_poll_timestamp_seconds",
			Help: "Last successful status poll (seconds since epoch)",
		}, labels),
		property: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gomiot_miot_property_value",
			Help: "Last polled numeric property value",
		}, []string{"did", "name", "model", "property", "unit"}),
		accountLogged: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gomiot_miot_account_authenticated",
			Help: "Whether the cloud account is logged in (1=yes, 0=no)",
		}, []string{"account", "country"}),
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	c.devices.Describe(ch)
	c.deviceInfo.Describe(ch)
	c.online.Describe(ch)
	c.lastSeen.Describe(ch)
	c.lastPoll.Describe(ch)
	c.property.Describe(ch)
	c.accountLogged.Describe(ch)
	c.client.deviceEvents.Describe(ch)
	c.client.loginEvents.Describe(ch)
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	c.deviceInfo.Reset()
	c.online.Reset()
	c.lastSeen.Reset()
	c.lastPoll.Reset()
	c.property.Reset()
	c.accountLogged.Reset()

	devices := c.client.Devices()
	c.devices.Set(float64(len(devices)))
	for _, d := range devices {
		c.deviceInfo.WithLabelValues(d.DID, d.Name, d.Model, d.Source, d.Account, d.State).Set(1)
		c.online.WithLabelValues(d.DID, d.Name, d.Model).Set(boolToFloat(d.Online))
		if !d.LastSeen.IsZero() {
			c.lastSeen.WithLabelValues(d.DID, d.Name, d.Model).Set(unixSeconds(d.LastSeen))
		}

		values, polled, err := c.client.Status(d.DID)
		if err != nil || polled.IsZero() {
			continue
		}
		c.lastPoll.WithLabelValues(d.DID, d.Name, d.Model).Set(unixSeconds(polled))
		for _, v := range values {
			if f, ok := v.Float(); ok {
				c.property.WithLabelValues(d.DID, d.Name, d.Model, v.Name, v.Unit).Set(f)
			}
		}
	}

	for _, a := range c.client.Accounts() {
		c.accountLogged.WithLabelValues(a.Username, a.Country).Set(boolToFloat(a.State == micloud.LoginAuthenticated.String()))
	}

	c.devices.Collect(ch)
	c.deviceInfo.Collect(ch)
	c.online.Collect(ch)
	c.lastSeen.Collect(ch)
	c.lastPoll.Collect(ch)
	c.property.Collect(ch)
	c.accountLogged.Collect(ch)
	c.client.deviceEvents.Collect(ch)
	c.client.loginEvents.Collect(ch)
}

func boolToFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
