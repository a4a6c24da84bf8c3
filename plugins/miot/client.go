package miot

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/joshp123/gomiot/internal/config"
	"github.com/joshp123/gomiot/internal/rate"
	"github.com/joshp123/gomiot/internal/store"
	"github.com/joshp123/gomiot/plugins/miot/micloud"
	"github.com/joshp123/gomiot/plugins/miot/miio"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnknownDevice   = errors.New("miot: unknown device")
	ErrDeviceNotReady  = errors.New("miot: device has no address or token")
	ErrUnknownAccount  = errors.New("miot: unknown account")
	ErrNoModel         = errors.New("miot: device model unknown")
	ErrUnknownProperty = errors.New("miot: unknown property")
	ErrNotWritable     = errors.New("miot: property is not writable")
)

const (
	propertyBatchSize = 15
	pollConcurrency   = 4
	specRateLimit     = 60
	specCacheTTL      = time.Hour
)

// Device sources, in order of precedence.
const (
	SourceConfig = "config"
	SourceCloud  = "cloud"
	SourceTable  = "table"
)

// Device is the client's view of one device.
type Device struct {
	DID         string    `json:"did"`
	Name        string    `json:"name,omitempty"`
	Model       string    `json:"model,omitempty"`
	Address     string    `json:"address,omitempty"`
	Account     string    `json:"account,omitempty"`
	OwnerUserID int64     `json:"owner_user_id,omitempty"`
	Source      string    `json:"source"`
	HasToken    bool      `json:"has_token"`
	Online      bool      `json:"online"`
	State       string    `json:"state"`
	LastSeen    time.Time `json:"last_seen"`
}

// Ready reports whether a session can be opened to the device.
func (d Device) Ready() bool {
	return d.Address != "" && d.HasToken
}

// AccountStatus summarizes one cloud account.
type AccountStatus struct {
	Username string `json:"username"`
	Country  string `json:"country"`
	State    string `json:"state"`
	UserID   int64  `json:"user_id,omitempty"`
}

// Discovered is one handshake reply seen during discovery.
type Discovered struct {
	DID     string    `json:"did"`
	Address string    `json:"address"`
	Known   bool      `json:"known"`
	Seen    time.Time `json:"seen"`
}

type deviceEntry struct {
	info    Device
	token   miio.Token
	session *miio.Session
	status  []PropertyValue
	polled  time.Time
}

// publisher receives device and login events, e.g. the MQTT bridge.
type publisher interface {
	PublishDevice(ev miio.Event, dev Device)
	PublishLogin(ev micloud.LoginEvent)
	Close()
}

type Option func(*Client)

func WithLogger(log *logrus.Entry) Option {
	return func(c *Client) { c.log = log }
}

// WithHTTPClient sets the base client for cloud and spec catalog requests.
// Rate limiting is layered on top.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.baseHTTP = hc }
}

// WithListen sets how device sessions open their sockets.
func WithListen(listen miio.ListenFunc) Option {
	return func(c *Client) { c.listen = listen }
}

// WithBroadcastAddress overrides the configured scan target.
func WithBroadcastAddress(addr string) Option {
	return func(c *Client) { c.cfg.Discovery.BroadcastAddress = addr }
}

// Client owns the cloud accounts, device sessions and persisted device
// table for the plugin.
type Client struct {
	cfg      Config
	log      *logrus.Entry
	baseHTTP *http.Client
	listen   miio.ListenFunc
	blob     store.BlobStore
	table    *store.DeviceTable
	specs    *micloud.SpecClient

	discover func(context.Context, string) (miio.Discovery, error)
	scan     func(context.Context, string) ([]miio.Discovery, error)

	deviceEvents *prometheus.CounterVec
	loginEvents  *prometheus.CounterVec

	mu        sync.Mutex
	accounts  map[string]*micloud.Session
	order     []string
	devices   map[string]*deviceEntry
	publisher publisher
	closed    bool
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = config.DefaultPollInterval
	}
	if c.CloudRefreshInterval <= 0 {
		c.CloudRefreshInterval = config.DefaultCloudRefreshInterval
	}
	if c.Discovery.Interval <= 0 {
		c.Discovery.Interval = config.DefaultDiscoveryInterval
	}
	if c.Discovery.Window <= 0 {
		c.Discovery.Window = config.DefaultDiscoveryWindow
	}
	if c.Discovery.BroadcastAddress == "" {
		c.Discovery.BroadcastAddress = miio.BroadcastAddress
	}
	return c
}

// NewClient builds the client. blob may be nil, in which case nothing is
// persisted and specs are cached in memory only.
func NewClient(ctx context.Context, cfg Config, blob store.BlobStore, opts ...Option) (*Client, error) {
	c := &Client{
		cfg:      cfg.withDefaults(),
		blob:     blob,
		discover: miio.Discover,
		scan:     miio.Scan,
		accounts: make(map[string]*micloud.Session),
		devices:  make(map[string]*deviceEntry),
		deviceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gomiot_miot_device_events_total",
			Help: "Device session events by kind",
		}, []string{"kind"}),
		loginEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gomiot_miot_login_events_total",
			Help: "Cloud login state transitions by state",
		}, []string{"state"}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logrus.WithField("component", "miot")
	}
	if c.baseHTTP == nil {
		c.baseHTTP = &http.Client{Timeout: 15 * time.Second}
	}

	cloudHTTP := c.baseHTTP
	if c.cfg.CloudRateLimit > 0 {
		cloudHTTP = rate.WrapHTTP(rate.Endpoint("micloud").PerMinute(c.cfg.CloudRateLimit), c.baseHTTP)
	}
	specHTTP := rate.WrapHTTP(rate.Endpoint("miot-spec").PerMinute(specRateLimit).CacheGET(specCacheTTL), c.baseHTTP)

	var cache micloud.Cache
	if blob != nil && c.cfg.SpecCache {
		cache = blob
	}
	c.specs = micloud.NewSpecClient(specHTTP, cache, c.log.WithField("component", "spec"))

	for _, account := range c.cfg.Accounts {
		session, err := micloud.NewSession(micloud.SessionConfig{
			Account:    account,
			HTTPClient: cloudHTTP,
			Observer:   c.onLoginEvent,
			Logger:     c.log,
		})
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", account.Username, err)
		}
		if _, dup := c.accounts[account.Username]; dup {
			return nil, fmt.Errorf("account %s: duplicated", account.Username)
		}
		c.accounts[account.Username] = session
		c.order = append(c.order, account.Username)
	}

	if blob != nil {
		table, err := store.LoadDeviceTable(ctx, blob)
		if err != nil {
			return nil, err
		}
		c.table = table
		for _, e := range table.All() {
			c.restore(e)
		}
	}

	for _, d := range c.cfg.Devices {
		c.devices[d.DID] = &deviceEntry{
			info: Device{
				DID:      d.DID,
				Name:     d.Name,
				Model:    d.Model,
				Address:  d.Address,
				Source:   SourceConfig,
				HasToken: true,
				State:    miio.StateUnbound.String(),
			},
			token: d.Token,
		}
	}
	return c, nil
}

func (c *Client) restore(e store.DeviceEntry) {
	token, err := miio.ParseToken(e.Token)
	if err != nil {
		c.log.WithField("did", e.DID).Warn("ignoring stored device with bad token")
		return
	}
	c.devices[e.DID] = &deviceEntry{
		info: Device{
			DID:         e.DID,
			Name:        e.Name,
			Model:       e.Model,
			Address:     e.IP,
			Account:     e.Account,
			OwnerUserID: e.OwnerUserID,
			Source:      SourceTable,
			HasToken:    true,
			State:       miio.StateUnbound.String(),
		},
		token: token,
	}
}

// setPublisher attaches an event sink. Pass nil to detach. It reports false,
// leaving p unattached, once the client is closed.
func (c *Client) setPublisher(p publisher) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.publisher = p
	return true
}

func (c *Client) currentPublisher() publisher {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publisher
}

// Accounts lists the configured cloud accounts in config order.
func (c *Client) Accounts() []AccountStatus {
	c.mu.Lock()
	sessions := make([]*micloud.Session, 0, len(c.order))
	for _, name := range c.order {
		sessions = append(sessions, c.accounts[name])
	}
	c.mu.Unlock()

	out := make([]AccountStatus, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, AccountStatus{
			Username: s.Account().Username,
			Country:  s.Account().Country,
			State:    s.State().String(),
			UserID:   s.UserID(),
		})
	}
	return out
}

// anyAccountUsable reports whether cloud access works for at least one
// account. Config without accounts never needs the cloud.
func (c *Client) anyAccountUsable() bool {
	accounts := c.Accounts()
	if len(accounts) == 0 {
		return true
	}
	for _, a := range accounts {
		if a.State == micloud.LoginAuthenticated.String() {
			return true
		}
	}
	return false
}

func (c *Client) account(username string) (*micloud.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.accounts[username]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, username)
	}
	return s, nil
}

// Login runs the cloud login for one account.
func (c *Client) Login(ctx context.Context, username string) (micloud.AuthContext, error) {
	s, err := c.account(username)
	if err != nil {
		return micloud.AuthContext{}, err
	}
	return s.Login(ctx)
}

// RefreshCloud fetches the device list of one account, or of every account
// when username is empty, logging in first where needed. It returns the
// number of devices merged.
func (c *Client) RefreshCloud(ctx context.Context, username string) (int, error) {
	var sessions []*micloud.Session
	if username != "" {
		s, err := c.account(username)
		if err != nil {
			return 0, err
		}
		sessions = append(sessions, s)
	} else {
		c.mu.Lock()
		for _, name := range c.order {
			sessions = append(sessions, c.accounts[name])
		}
		c.mu.Unlock()
	}

	total := 0
	var errs []error
	for _, s := range sessions {
		n, err := c.refreshAccount(ctx, s)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", s.Account().Username, err))
		}
	}
	return total, errors.Join(errs...)
}

func (c *Client) refreshAccount(ctx context.Context, s *micloud.Session) (int, error) {
	if _, ok := s.Auth(); !ok {
		if _, err := s.Login(ctx); err != nil {
			return 0, err
		}
	}
	records, err := s.Devices(ctx)
	if err != nil {
		return 0, err
	}

	username := s.Account().Username
	var stale []*miio.Session
	var entries []store.DeviceEntry
	merged := 0
	for _, rec := range records {
		token, err := miio.ParseToken(rec.Token)
		if err != nil {
			c.log.WithFields(logrus.Fields{"did": rec.DID, "model": rec.Model}).Debug("skipping cloud device without local token")
			continue
		}
		owner := rec.UID
		if owner == 0 {
			owner = s.UserID()
		}
		if old := c.mergeCloud(rec, token, username, owner); old != nil {
			stale = append(stale, old)
		}
		entries = append(entries, store.DeviceEntry{
			DID:         rec.DID,
			Token:       token.String(),
			IP:          rec.LocalIP,
			OwnerUserID: owner,
			Model:       rec.Model,
			Name:        rec.Name,
			Account:     username,
		})
		merged++
	}
	closeSessions(stale)

	if c.table != nil && len(entries) > 0 {
		c.table.Upsert(entries...)
		if err := c.table.Save(ctx); err != nil {
			c.log.WithError(err).Warn("device table save failed")
		}
	}
	c.log.WithFields(logrus.Fields{"account": username, "devices": merged}).Info("cloud device list refreshed")
	return merged, nil
}

// mergeCloud folds a cloud record into the device map. Config-pinned
// devices keep their address and token. It returns a session that must be
// closed because the device moved or was re-keyed.
func (c *Client) mergeCloud(rec micloud.DeviceRecord, token miio.Token, username string, owner int64) *miio.Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.devices[rec.DID]
	if !ok {
		entry = &deviceEntry{info: Device{DID: rec.DID, State: miio.StateUnbound.String()}}
		c.devices[rec.DID] = entry
	}
	info := &entry.info
	info.Account = username
	info.OwnerUserID = owner
	if rec.Name != "" {
		info.Name = rec.Name
	}
	if rec.Model != "" {
		info.Model = rec.Model
	}
	if info.Source == SourceConfig {
		return nil
	}
	info.Source = SourceCloud

	var stale *miio.Session
	if (rec.LocalIP != "" && rec.LocalIP != info.Address) || token != entry.token {
		stale = entry.session
		entry.session = nil
	}
	if rec.LocalIP != "" {
		info.Address = rec.LocalIP
	}
	entry.token = token
	info.HasToken = true
	return stale
}

// Devices returns every known device ordered by did.
func (c *Client) Devices() []Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Device, 0, len(c.devices))
	for _, e := range c.devices {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DID < out[j].DID })
	return out
}

func (c *Client) Device(did string) (Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.devices[did]
	if !ok {
		return Device{}, fmt.Errorf("%w: %s", ErrUnknownDevice, did)
	}
	return e.info, nil
}

// Status returns the last polled property values of a device.
func (c *Client) Status(did string) ([]PropertyValue, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.devices[did]
	if !ok {
		return nil, time.Time{}, fmt.Errorf("%w: %s", ErrUnknownDevice, did)
	}
	return append([]PropertyValue(nil), e.status...), e.polled, nil
}

func (c *Client) session(did string) (*miio.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.devices[did]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, did)
	}
	if e.session != nil {
		return e.session, nil
	}
	if !e.info.Ready() || e.token.IsZero() {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotReady, did)
	}
	cfg := c.cfg.Session
	cfg.Address = e.info.Address
	cfg.DID = did
	cfg.Token = e.token
	cfg.Observer = c.onDeviceEvent
	cfg.Logger = c.log
	if c.listen != nil {
		cfg.Listen = c.listen
	}
	s, err := miio.NewSession(cfg)
	if err != nil {
		return nil, err
	}
	e.session = s
	return s, nil
}

func (c *Client) Handshake(ctx context.Context, did string) (miio.HandshakeInfo, error) {
	s, err := c.session(did)
	if err != nil {
		return miio.HandshakeInfo{}, err
	}
	return s.Handshake(ctx)
}

// Call sends a raw method call. A device error is returned together with
// the response.
func (c *Client) Call(ctx context.Context, did, method string, params any) (miio.Response, error) {
	s, err := c.session(did)
	if err != nil {
		return miio.Response{}, err
	}
	return s.Call(ctx, method, params)
}

func (c *Client) GetProperties(ctx context.Context, did string, props []miio.Property) ([]miio.PropertyResult, error) {
	s, err := c.session(did)
	if err != nil {
		return nil, err
	}
	resp, err := s.GetProperties(ctx, props)
	if err != nil {
		return nil, err
	}
	return miio.DecodeProperties(resp)
}

func (c *Client) SetProperties(ctx context.Context, did string, props []miio.Property) ([]miio.PropertyResult, error) {
	s, err := c.session(did)
	if err != nil {
		return nil, err
	}
	resp, err := s.WriteProperties(ctx, props)
	if err != nil {
		return nil, err
	}
	return miio.DecodeProperties(resp)
}

// Spec returns the capability document for a device's model.
func (c *Client) Spec(ctx context.Context, did string) (micloud.Spec, error) {
	dev, err := c.Device(did)
	if err != nil {
		return micloud.Spec{}, err
	}
	if dev.Model == "" {
		return micloud.Spec{}, fmt.Errorf("%w: %s", ErrNoModel, did)
	}
	return c.specs.Spec(ctx, dev.Model)
}

func (c *Client) SpecForModel(ctx context.Context, model string) (micloud.Spec, error) {
	return c.specs.Spec(ctx, model)
}

// ReadAll reads every readable property of the device's spec, in batches,
// and records the values as the device status.
func (c *Client) ReadAll(ctx context.Context, did string) ([]PropertyValue, error) {
	spec, err := c.Spec(ctx, did)
	if err != nil {
		return nil, err
	}
	s, err := c.session(did)
	if err != nil {
		return nil, err
	}
	refs := spec.ReadableProperties()
	values := make([]PropertyValue, 0, len(refs))
	for start := 0; start < len(refs); start += propertyBatchSize {
		batch := refs[start:min(start+propertyBatchSize, len(refs))]
		props := make([]miio.Property, 0, len(batch))
		for _, ref := range batch {
			props = append(props, miio.Property{SIID: ref.SIID, IID: ref.PIID})
		}
		resp, err := s.GetProperties(ctx, props)
		if err != nil {
			return values, err
		}
		results, err := miio.DecodeProperties(resp)
		if err != nil {
			return values, err
		}
		values = append(values, matchResults(batch, results)...)
	}

	c.mu.Lock()
	if e, ok := c.devices[did]; ok {
		e.status = values
		e.polled = time.Now()
	}
	c.mu.Unlock()
	return values, nil
}

// SetPropertyByName writes one property addressed as "service:property".
func (c *Client) SetPropertyByName(ctx context.Context, did, name string, value any) (miio.PropertyResult, error) {
	spec, err := c.Spec(ctx, did)
	if err != nil {
		return miio.PropertyResult{}, err
	}
	ref, ok := spec.Property(name)
	if !ok {
		return miio.PropertyResult{}, fmt.Errorf("%w: %s", ErrUnknownProperty, name)
	}
	if !ref.Can("write") {
		return miio.PropertyResult{}, fmt.Errorf("%w: %s", ErrNotWritable, name)
	}
	results, err := c.SetProperties(ctx, did, []miio.Property{{SIID: ref.SIID, IID: ref.PIID, Value: value}})
	if err != nil {
		return miio.PropertyResult{}, err
	}
	if len(results) == 0 {
		return miio.PropertyResult{DID: did, SIID: ref.SIID, PIID: ref.PIID}, nil
	}
	return results[0], nil
}

// Discover handshakes one address and records the reply.
func (c *Client) Discover(ctx context.Context, address string) (Discovered, error) {
	d, err := c.discover(ctx, address)
	if err != nil {
		return Discovered{}, err
	}
	return c.observe(ctx, d), nil
}

// Scan broadcasts a handshake and records every reply seen within the
// discovery window.
func (c *Client) Scan(ctx context.Context) ([]Discovered, error) {
	scanCtx, cancel := context.WithTimeout(ctx, c.cfg.Discovery.Window)
	defer cancel()
	found, err := c.scan(scanCtx, c.cfg.Discovery.BroadcastAddress)
	out := make([]Discovered, 0, len(found))
	for _, d := range found {
		out = append(out, c.observe(ctx, d))
	}
	return out, err
}

func (c *Client) observe(ctx context.Context, d miio.Discovery) Discovered {
	did := d.DID()
	addr := discoveryAddress(d.Addr)
	seen := Discovered{DID: did, Address: addr, Seen: d.Seen}

	c.mu.Lock()
	e, ok := c.devices[did]
	var stale *miio.Session
	if ok {
		seen.Known = true
		e.info.Online = true
		e.info.LastSeen = d.Seen
		if addr != "" && addr != e.info.Address {
			c.log.WithFields(logrus.Fields{"did": did, "from": e.info.Address, "to": addr}).Info("device address changed")
			e.info.Address = addr
			stale = e.session
			e.session = nil
		}
	}
	c.mu.Unlock()

	if stale != nil {
		closeSessions([]*miio.Session{stale})
		if c.table != nil {
			if _, stored := c.table.Get(did); stored {
				c.table.Upsert(store.DeviceEntry{DID: did, IP: addr})
				if err := c.table.Save(ctx); err != nil {
					c.log.WithError(err).Warn("device table save failed")
				}
			}
		}
	}
	return seen
}

// discoveryAddress drops the port when it is the protocol default.
func discoveryAddress(addr *net.UDPAddr) string {
	if addr == nil {
		return ""
	}
	if addr.Port == miio.DefaultPort || addr.Port == 0 {
		return addr.IP.String()
	}
	return net.JoinHostPort(addr.IP.String(), strconv.Itoa(addr.Port))
}

// Poll reads the status of every ready device with a known model.
func (c *Client) Poll(ctx context.Context) {
	var targets []string
	for _, d := range c.Devices() {
		if d.Ready() && d.Model != "" {
			targets = append(targets, d.DID)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pollConcurrency)
	for _, did := range targets {
		did := did
		g.Go(func() error {
			if _, err := c.ReadAll(gctx, did); err != nil {
				c.log.WithError(err).WithField("did", did).Debug("device poll failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Run logs in to every account and then keeps the device list, addresses
// and status fresh until ctx ends.
func (c *Client) Run(ctx context.Context) error {
	c.bootstrap(ctx)

	poll := time.NewTicker(c.cfg.PollInterval)
	defer poll.Stop()
	cloud := time.NewTicker(c.cfg.CloudRefreshInterval)
	defer cloud.Stop()
	var scanC <-chan time.Time
	if c.cfg.Discovery.Enabled {
		scan := time.NewTicker(c.cfg.Discovery.Interval)
		defer scan.Stop()
		scanC = scan.C
	}

	c.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
			c.Poll(ctx)
		case <-cloud.C:
			if _, err := c.RefreshCloud(ctx, ""); err != nil {
				c.log.WithError(err).Warn("cloud refresh failed")
			}
		case <-scanC:
			if _, err := c.Scan(ctx); err != nil {
				c.log.WithError(err).Debug("lan scan failed")
			}
		}
	}
}

func (c *Client) bootstrap(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	c.mu.Lock()
	names := append([]string(nil), c.order...)
	c.mu.Unlock()
	for _, name := range names {
		name := name
		g.Go(func() error {
			if _, err := c.RefreshCloud(gctx, name); err != nil {
				c.log.WithError(err).WithField("account", name).Warn("initial cloud refresh failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	if c.cfg.Discovery.Enabled {
		if _, err := c.Scan(ctx); err != nil {
			c.log.WithError(err).Debug("lan scan failed")
		}
	}
}

// Close closes every device session and the event publisher.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	var sessions []*miio.Session
	for _, e := range c.devices {
		if e.session != nil {
			sessions = append(sessions, e.session)
			e.session = nil
		}
	}
	pub := c.publisher
	c.publisher = nil
	c.mu.Unlock()

	closeSessions(sessions)
	if pub != nil {
		pub.Close()
	}
	return nil
}

func closeSessions(sessions []*miio.Session) {
	for _, s := range sessions {
		_ = s.Close()
	}
}

func (c *Client) onDeviceEvent(ev miio.Event) {
	c.deviceEvents.WithLabelValues(string(ev.Kind)).Inc()

	c.mu.Lock()
	e, ok := c.devices[ev.DID]
	var dev Device
	if ok {
		info := &e.info
		info.State = ev.State.String()
		if ev.State == miio.StateClosed {
			// Sessions are reopened lazily on the next call.
			info.State = miio.StateUnbound.String()
		}
		switch ev.Kind {
		case miio.EventHandshake, miio.EventReconnected:
			if ev.Err == nil {
				info.Online = true
				info.LastSeen = ev.At
			}
		case miio.EventCall:
			if ev.Err == nil || isDeviceReply(ev.Err) {
				info.Online = true
				info.LastSeen = ev.At
			} else if errors.Is(ev.Err, miio.ErrTransportTimeout) {
				info.Online = false
			}
		case miio.EventStateChanged:
			if ev.State == miio.StateFaulted {
				info.Online = false
			}
		}
		dev = *info
	}
	pub := c.publisher
	c.mu.Unlock()

	if ok && pub != nil {
		pub.PublishDevice(ev, dev)
	}
}

func isDeviceReply(err error) bool {
	var devErr *miio.DeviceError
	return errors.As(err, &devErr)
}

func (c *Client) onLoginEvent(ev micloud.LoginEvent) {
	c.loginEvents.WithLabelValues(ev.State.String()).Inc()
	if pub := c.currentPublisher(); pub != nil {
		pub.PublishLogin(ev)
	}
}
