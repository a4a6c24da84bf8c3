package miio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultQueryDelay       = time.Second
	DefaultCallTimeout      = 5 * time.Second
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultRetryBackoff     = 10 * time.Second
	DefaultReconnectDelay   = time.Second

	// QueryModulus bounds the request id counter. Deployed devices and
	// controllers use 16535, not 65536.
	QueryModulus = 16535
)

// State is the lifecycle state of a Session.
type State int

const (
	StateUnbound State = iota
	StateHandshaking
	StateReady
	StateAwaitingAck
	StateReconnecting
	StateFaulted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateReconnecting:
		return "reconnecting"
	case StateFaulted:
		return "faulted"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type EventKind string

const (
	EventStateChanged EventKind = "state_changed"
	EventHandshake    EventKind = "handshake"
	EventAckTimeout   EventKind = "ack_timeout"
	EventReconnected  EventKind = "reconnected"
	EventCall         EventKind = "call"
)

// Event is delivered to the session Observer. Observers run synchronously
// on the calling goroutine and must not call back into the session.
type Event struct {
	Kind     EventKind
	DID      string
	State    State
	Identity Identity
	Method   string
	Attempt  int
	Err      error
	At       time.Time
}

type Observer func(Event)

// ListenFunc opens a fresh, bound socket for the session.
type ListenFunc func() (net.PacketConn, error)

func listenUDP() (net.PacketConn, error) {
	return net.ListenPacket("udp4", ":0")
}

// SessionConfig configures a device session. Zero durations take defaults.
type SessionConfig struct {
	Address string
	DID     string
	Token   Token

	QueryDelay       time.Duration
	CallTimeout      time.Duration
	HandshakeTimeout time.Duration
	RetryBackoff     time.Duration
	ReconnectDelay   time.Duration
	// MaxAckRetries caps ack-timeout retries. 0 retries forever.
	MaxAckRetries      int
	InitialQueryNumber int
	VerifyChecksum     bool

	Observer Observer
	Logger   *logrus.Entry
	Listen   ListenFunc
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.QueryDelay == 0 {
		c.QueryDelay = DefaultQueryDelay
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.InitialQueryNumber <= 0 {
		c.InitialQueryNumber = 1
	}
	if c.Listen == nil {
		c.Listen = listenUDP
	}
	return c
}

// Response is a decoded device reply.
type Response struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *DeviceError    `json:"error,omitempty"`

	Raw json.RawMessage `json:"-"`
}

type request struct {
	ID     int    `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

// Session is the connection to one device. Calls are serialized: only one
// request is ever in flight on the socket.
type Session struct {
	cfg   SessionConfig
	codec Codec
	addr  *net.UDPAddr
	log   *logrus.Entry

	callMu sync.Mutex

	mu          sync.Mutex
	conn        net.PacketConn
	state       State
	identity    Identity
	clock       ClockOffset
	queryNumber int
	lastSend    time.Time
}

func NewSession(cfg SessionConfig) (*Session, error) {
	cfg = cfg.withDefaults()
	if cfg.Address == "" {
		return nil, errors.New("device address is required")
	}
	if cfg.Token.IsZero() {
		return nil, errors.New("device token is required")
	}
	addr, err := net.ResolveUDPAddr("udp4", withDefaultPort(cfg.Address))
	if err != nil {
		return nil, fmt.Errorf("resolve device address: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithFields(logrus.Fields{"did": cfg.DID, "addr": addr.String()})

	return &Session{
		cfg:         cfg,
		codec:       Codec{Token: cfg.Token, VerifyChecksum: cfg.VerifyChecksum},
		addr:        addr,
		log:         log,
		identity:    Identity{DID: cfg.DID},
		queryNumber: cfg.InitialQueryNumber % QueryModulus,
	}, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Session) Clock() ClockOffset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

func (s *Session) QueryNumber() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryNumber
}

func (s *Session) Address() string {
	return s.addr.String()
}

// Connect binds the socket and performs the first handshake.
func (s *Session) Connect(ctx context.Context) error {
	s.callMu.Lock()
	defer s.callMu.Unlock()

	if err := s.ensureConnLocked(ctx); err != nil {
		return err
	}
	_, err := s.handshakeLocked(ctx)
	return err
}

// Handshake refreshes the device identity and clock.
func (s *Session) Handshake(ctx context.Context) (HandshakeInfo, error) {
	s.callMu.Lock()
	defer s.callMu.Unlock()

	if err := s.ensureConnLocked(ctx); err != nil {
		return HandshakeInfo{}, err
	}
	return s.handshakeLocked(ctx)
}

// Call sends method/params and returns the device reply. Replies carrying
// the ack-timeout code are retried after a backoff and an awaited
// reconnect. Other device errors are returned as *DeviceError together
// with the response.
func (s *Session) Call(ctx context.Context, method string, params any) (Response, error) {
	s.callMu.Lock()
	defer s.callMu.Unlock()

	attempt := 0
	for {
		resp, err := s.exchangeLocked(ctx, method, params)
		callErr := err
		if callErr == nil && resp.Error != nil {
			callErr = resp.Error
		}
		s.notify(Event{Kind: EventCall, Method: method, Attempt: attempt, Err: callErr})
		if err != nil {
			return Response{}, err
		}
		if resp.Error == nil {
			return resp, nil
		}
		if resp.Error.Code != AckTimeoutCode || (s.cfg.MaxAckRetries > 0 && attempt >= s.cfg.MaxAckRetries) {
			return resp, resp.Error
		}

		attempt++
		s.log.WithFields(logrus.Fields{"method": method, "attempt": attempt}).Warn("device ack timeout, reconnecting")
		s.notify(Event{Kind: EventAckTimeout, Method: method, Attempt: attempt})

		if err := sleepContext(ctx, s.cfg.RetryBackoff); err != nil {
			return Response{}, err
		}
		s.mu.Lock()
		s.queryNumber = (s.queryNumber + 1) % QueryModulus
		s.mu.Unlock()
		if err := s.reconnectLocked(ctx); err != nil {
			return Response{}, fmt.Errorf("reconnect after ack timeout: %w", err)
		}
	}
}

// Close releases the socket. The session cannot be reused.
func (s *Session) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	prev := s.state
	s.state = StateClosed
	s.mu.Unlock()

	if prev != StateClosed {
		s.notify(Event{Kind: EventStateChanged, State: StateClosed})
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (s *Session) exchangeLocked(ctx context.Context, method string, params any) (Response, error) {
	if err := s.ensureConnLocked(ctx); err != nil {
		return Response{}, err
	}
	if _, err := s.handshakeLocked(ctx); err != nil {
		return Response{}, err
	}
	if err := s.throttle(ctx); err != nil {
		return Response{}, err
	}

	s.mu.Lock()
	id := s.queryNumber
	identity := s.identity
	clock := s.clock
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return Response{}, ErrSessionClosed
	}

	payload, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}
	now := time.Now()
	frame, err := s.codec.Pack(payload, identity, clock, now)
	if err != nil {
		return Response{}, err
	}

	s.setState(StateAwaitingAck)
	s.log.WithFields(logrus.Fields{"id": id, "method": method, "ts": clock.At(now)}).Debug("send request")
	if _, err := conn.WriteTo(frame, s.addr); err != nil {
		s.fault(err)
		return Response{}, fmt.Errorf("send request: %w", err)
	}

	s.mu.Lock()
	s.lastSend = time.Now()
	s.queryNumber = (s.queryNumber + 1) % QueryModulus
	s.mu.Unlock()

	data, err := s.readFrame(ctx, conn, s.cfg.CallTimeout)
	if err != nil {
		s.fault(err)
		return Response{}, err
	}

	pkt, err := s.codec.Unpack(data, false)
	if err != nil {
		s.setState(StateReady)
		return Response{}, err
	}
	s.refreshClock(pkt.HandshakeInfo)
	s.setState(StateReady)
	if pkt.IsHandshake() {
		return Response{}, fmt.Errorf("%w: handshake frame in reply to %s", ErrProtocolDecode, method)
	}

	var resp Response
	if err := json.Unmarshal(pkt.Payload, &resp); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrProtocolDecode, err)
	}
	resp.Raw = pkt.Payload
	return resp, nil
}

func (s *Session) handshakeLocked(ctx context.Context) (HandshakeInfo, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return HandshakeInfo{}, ErrSessionClosed
	}

	s.setState(StateHandshaking)
	if _, err := conn.WriteTo(HandshakeRequest(), s.addr); err != nil {
		s.fault(err)
		return HandshakeInfo{}, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	data, err := s.readFrame(ctx, conn, s.cfg.HandshakeTimeout)
	if err != nil {
		s.fault(err)
		return HandshakeInfo{}, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	pkt, err := s.codec.Unpack(data, true)
	if err != nil {
		s.fault(err)
		return HandshakeInfo{}, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	s.refreshClock(pkt.HandshakeInfo)
	s.mu.Lock()
	s.identity.DeviceType = pkt.DeviceType
	s.identity.DeviceID = pkt.DeviceID
	identity := s.identity
	s.mu.Unlock()

	s.setState(StateReady)
	s.notify(Event{Kind: EventHandshake, Identity: identity})
	return pkt.HandshakeInfo, nil
}

func (s *Session) reconnectLocked(ctx context.Context) error {
	s.setState(StateReconnecting)

	s.mu.Lock()
	old := s.conn
	s.conn = nil
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	if err := sleepContext(ctx, s.cfg.ReconnectDelay); err != nil {
		return err
	}
	if err := s.openLocked(); err != nil {
		return err
	}
	if _, err := s.handshakeLocked(ctx); err != nil {
		return err
	}
	s.log.Info("device session reconnected")
	s.notify(Event{Kind: EventReconnected})
	return nil
}

// ensureConnLocked opens the socket on first use and reconnects a faulted
// session before it is used again.
func (s *Session) ensureConnLocked(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	conn := s.conn
	s.mu.Unlock()

	switch {
	case state == StateClosed:
		return ErrSessionClosed
	case state == StateFaulted:
		return s.reconnectLocked(ctx)
	case conn == nil:
		return s.openLocked()
	default:
		return nil
	}
}

func (s *Session) openLocked() error {
	conn, err := s.cfg.Listen()
	if err != nil {
		s.setState(StateFaulted)
		return fmt.Errorf("open socket: %w", err)
	}
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrSessionClosed
	}
	s.conn = conn
	s.mu.Unlock()
	return nil
}

func (s *Session) throttle(ctx context.Context) error {
	s.mu.Lock()
	last := s.lastSend
	s.mu.Unlock()
	if last.IsZero() {
		return nil
	}
	return sleepContext(ctx, s.cfg.QueryDelay-time.Since(last))
}

func (s *Session) readFrame(ctx context.Context, conn net.PacketConn, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	ctxBound := false
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
		ctxBound = true
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, 64*1024)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			if ctxBound {
				return nil, context.DeadlineExceeded
			}
			return nil, ErrTransportTimeout
		}
		return nil, err
	}
	return buf[:n], nil
}

func (s *Session) refreshClock(info HandshakeInfo) {
	s.mu.Lock()
	s.clock = info.Clock(time.Now())
	s.mu.Unlock()
}

func (s *Session) fault(err error) {
	s.log.WithError(err).Warn("device session faulted")
	s.setState(StateFaulted)
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	if prev == StateClosed || prev == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()
	s.notify(Event{Kind: EventStateChanged, State: next})
}

func (s *Session) notify(ev Event) {
	if s.cfg.Observer == nil {
		return
	}
	ev.DID = s.cfg.DID
	if ev.Kind != EventStateChanged {
		ev.State = s.State()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.cfg.Observer(ev)
}

func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(DefaultPort))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
