package miot

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/joshp123/gomiot/internal/store"
	"github.com/joshp123/gomiot/plugins/miot/micloud"
	"github.com/joshp123/gomiot/plugins/miot/miio"
)

const (
	testTokenHex = "6c6554657762735a4b597a4758654967"
	testModel    = "dreame.vacuum.p2008"
	testUsername = "user@example.com"
	testPassword = "hunter2"
	testUserID   = 4242
)

// testDID matches the handshake identity the mock device reports.
var (
	testInfo      = miio.HandshakeInfo{DeviceType: 0xdead, DeviceID: 0xbeaf, Timestamp: 0xfafafafa}
	testDID       = testInfo.DID()
	testSSecurity = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef"))
)

const testSpecJSON = `{
  "type": "urn:miot-spec-v2:device:vacuum:0000A006:dreame-p2008:1",
  "description": "Robot Cleaner",
  "services": [
    {"iid": 2, "type": "urn:miot-spec-v2:service:vacuum:00007810:dreame-p2008:1",
     "properties": [
       {"iid": 1, "type": "urn:miot-spec-v2:property:status:00000007:dreame-p2008:1", "format": "int8", "access": ["read", "notify"]},
       {"iid": 4, "type": "urn:miot-spec-v2:property:mode:00000008:dreame-p2008:1", "format": "uint8", "access": ["read", "write", "notify"]}
     ]},
    {"iid": 3, "type": "urn:miot-spec-v2:service:battery:00007805:dreame-p2008:1",
     "properties": [
       {"iid": 1, "type": "urn:miot-spec-v2:property:battery-level:00000014:dreame-p2008:1", "format": "uint8", "access": ["read", "notify"], "unit": "percentage"},
       {"iid": 2, "type": "urn:miot-spec-v2:property:charging-state:00000015:dreame-p2008:1", "format": "bool", "access": ["read"]}
     ]}
  ]
}`

const testInstancesJSON = `{"instances":[
  {"status":"released","model":"dreame.vacuum.p2008","version":1,"type":"urn:miot-spec-v2:device:vacuum:0000A006:dreame-p2008:1","ts":1}
]}`

func testToken(t *testing.T) miio.Token {
	t.Helper()
	token, err := miio.ParseToken(testTokenHex)
	require.NoError(t, err)
	return token
}

func quietLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// mockDevice answers handshakes and encrypted calls on a loopback socket.
type mockDevice struct {
	conn    net.PacketConn
	codec   miio.Codec
	handler func(method string, params json.RawMessage) (any, *miio.DeviceError)

	mu      sync.Mutex
	methods []string
	params  []json.RawMessage
}

func newMockDevice(t *testing.T, handler func(method string, params json.RawMessage) (any, *miio.DeviceError)) *mockDevice {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	d := &mockDevice{conn: conn, codec: miio.Codec{Token: testToken(t)}, handler: handler}
	t.Cleanup(func() { _ = conn.Close() })
	go d.serve()
	return d
}

func (d *mockDevice) addr() string {
	return d.conn.LocalAddr().String()
}

func (d *mockDevice) serve() {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := d.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		if n == miio.HeaderSize {
			_, _ = d.conn.WriteTo(handshakeReply(), from)
			continue
		}
		pkt, err := d.codec.Unpack(append([]byte(nil), buf[:n]...), false)
		if err != nil {
			continue
		}
		var req struct {
			ID     int             `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(pkt.Payload, &req); err != nil {
			continue
		}
		d.mu.Lock()
		d.methods = append(d.methods, req.Method)
		d.params = append(d.params, req.Params)
		d.mu.Unlock()

		result, devErr := d.handler(req.Method, req.Params)
		reply := map[string]any{"id": req.ID}
		if devErr != nil {
			reply["error"] = devErr
		} else {
			reply["result"] = result
		}
		payload, _ := json.Marshal(reply)
		identity := miio.Identity{DeviceType: testInfo.DeviceType, DeviceID: testInfo.DeviceID}
		frame, err := d.codec.Pack(payload, identity, miio.ClockOffset{TimeStamp: testInfo.Timestamp}, time.Now())
		if err != nil {
			continue
		}
		_, _ = d.conn.WriteTo(frame, from)
	}
}

func (d *mockDevice) calls() ([]string, []json.RawMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.methods...), append([]json.RawMessage(nil), d.params...)
}

func handshakeReply() []byte {
	buf := make([]byte, miio.HeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], miio.Magic)
	binary.BigEndian.PutUint16(buf[2:4], miio.HeaderSize)
	binary.BigEndian.PutUint16(buf[8:10], testInfo.DeviceType)
	binary.BigEndian.PutUint16(buf[10:12], testInfo.DeviceID)
	binary.BigEndian.PutUint32(buf[12:16], testInfo.Timestamp)
	return buf
}

// propertyHandler answers get_properties from values keyed "siid.piid" and
// acknowledges set_properties.
func propertyHandler(values map[string]any) func(string, json.RawMessage) (any, *miio.DeviceError) {
	return func(method string, params json.RawMessage) (any, *miio.DeviceError) {
		var props []struct {
			DID  string `json:"did"`
			SIID int    `json:"siid"`
			PIID int    `json:"piid"`
		}
		switch method {
		case "get_properties":
			_ = json.Unmarshal(params, &props)
			out := make([]map[string]any, 0, len(props))
			for _, p := range props {
				v, ok := values[fmt.Sprintf("%d.%d", p.SIID, p.PIID)]
				if !ok {
					out = append(out, map[string]any{"did": p.DID, "siid": p.SIID, "piid": p.PIID, "code": -4003})
					continue
				}
				out = append(out, map[string]any{"did": p.DID, "siid": p.SIID, "piid": p.PIID, "code": 0, "value": v})
			}
			return out, nil
		case "set_properties":
			_ = json.Unmarshal(params, &props)
			out := make([]map[string]any, 0, len(props))
			for _, p := range props {
				out = append(out, map[string]any{"did": p.DID, "siid": p.SIID, "piid": p.PIID, "code": 0})
			}
			return out, nil
		case "miIO.info":
			return map[string]any{"model": testModel, "fw_ver": "1.0.0"}, nil
		default:
			return nil, &miio.DeviceError{Code: -5001, Message: "unknown method"}
		}
	}
}

// rewriteTransport sends every request to the test server, keeping the path
// and recording the host the client meant to reach.
type rewriteTransport struct {
	target *url.URL
}

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("X-Original-Host", req.URL.Host)
	r.URL.Scheme = t.target.Scheme
	r.URL.Host = t.target.Host
	r.Host = t.target.Host
	return http.DefaultTransport.RoundTrip(r)
}

// fakeCloud serves the account login, the device list and the spec
// catalog from one server.
type fakeCloud struct {
	t      *testing.T
	server *httptest.Server

	mu          sync.Mutex
	deviceList  string
	specFetches int
	listCalls   int
}

func newFakeCloud(t *testing.T) *fakeCloud {
	t.Helper()
	f := &fakeCloud{t: t, deviceList: `{"code":0,"message":"ok","result":{"list":[]}}`}

	mux := http.NewServeMux()
	mux.HandleFunc("/pass/serviceLogin", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `&&&START&&&{"_sign":"sign"}`)
	})
	mux.HandleFunc("/pass/serviceLoginAuth2", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("user") != testUsername {
			_, _ = io.WriteString(w, `&&&START&&&{"code":70016,"description":"invalid password"}`)
			return
		}
		_, _ = fmt.Fprintf(w, `&&&START&&&{"code":0,"userId":%d,"ssecurity":%q,"location":"https://sts.api.io.mi.com/sts?d=1"}`,
			testUserID, testSSecurity)
	})
	mux.HandleFunc("/sts", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Add("Set-Cookie", "serviceToken=svc-token; Path=/")
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/app/home/device_list", f.handleDeviceList)
	mux.HandleFunc("/miot-spec-v2/instances", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, testInstancesJSON)
	})
	mux.HandleFunc("/miot-spec-v2/instance", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.specFetches++
		f.mu.Unlock()
		if r.URL.Query().Get("type") != "urn:miot-spec-v2:device:vacuum:0000A006:dreame-p2008:1" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, testSpecJSON)
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeCloud) handleDeviceList(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	signedNonce, err := micloud.SignedNonce(testSSecurity, r.PostForm.Get("_nonce"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	key, _ := base64.StdEncoding.DecodeString(signedNonce)

	f.mu.Lock()
	f.listCalls++
	body := f.deviceList
	f.mu.Unlock()
	_, _ = io.WriteString(w, micloud.NewCipher(key, micloud.CloudRounds).Encode(body))
}

func (f *fakeCloud) setDevices(records ...map[string]any) {
	body, err := json.Marshal(map[string]any{"code": 0, "message": "ok", "result": map[string]any{"list": records}})
	require.NoError(f.t, err)
	f.mu.Lock()
	f.deviceList = string(body)
	f.mu.Unlock()
}

func (f *fakeCloud) specFetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specFetches
}

func (f *fakeCloud) httpClient() *http.Client {
	target, err := url.Parse(f.server.URL)
	require.NoError(f.t, err)
	return &http.Client{Transport: rewriteTransport{target: target}, Timeout: 5 * time.Second}
}

// fastSession shrinks the device timers for loopback tests.
func fastSession() miio.SessionConfig {
	return miio.SessionConfig{
		QueryDelay:       time.Millisecond,
		CallTimeout:      300 * time.Millisecond,
		HandshakeTimeout: 300 * time.Millisecond,
		RetryBackoff:     10 * time.Millisecond,
		ReconnectDelay:   10 * time.Millisecond,
	}
}

// newTestClient builds a client with one config-pinned device at addr and,
// when cloud is set, one cloud account.
func newTestClient(t *testing.T, cloud *fakeCloud, addr string, blob store.BlobStore) *Client {
	t.Helper()
	cfg := Config{
		Session:        fastSession(),
		CloudRateLimit: 100,
		SpecCache:      true,
		Discovery:      DiscoveryConfig{Window: 200 * time.Millisecond},
	}
	if addr != "" {
		cfg.Devices = []StaticDevice{{DID: testDID, Address: addr, Token: testToken(t), Model: testModel, Name: "vacuum"}}
	}
	opts := []Option{WithLogger(quietLogger())}
	if cloud != nil {
		cfg.Accounts = []micloud.Account{{Username: testUsername, Password: testPassword}}
		opts = append(opts, WithHTTPClient(cloud.httpClient()))
	}
	c, err := NewClient(context.Background(), cfg, blob, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}
