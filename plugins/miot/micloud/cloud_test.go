package micloud

import (
	"context"
	"crypto/md5" // nolint:gosec
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testUsername     = "user@example.com"
	testPassword     = "hunter2"
	testSign         = "sign-value"
	testServiceToken = "svc/Token+abc="
	testUserID       = 4242
)

var testSSecurity = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef"))

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

type cloudRequest struct {
	Host   string
	Path   string
	Cookie string
	Data   string
}

// fakeCloud implements the account and app endpoints.
type fakeCloud struct {
	t      *testing.T
	server *httptest.Server

	mu          sync.Mutex
	omitSign    bool
	badPassword bool
	noToken     bool
	appStatus   int
	appBody     string
	requests    []cloudRequest
}

func newFakeCloud(t *testing.T) *fakeCloud {
	t.Helper()
	f := &fakeCloud{t: t, appBody: `{"code":0,"message":"ok","result":{"list":[]}}`}

	mux := http.NewServeMux()
	mux.HandleFunc("/pass/serviceLogin", f.handleSign)
	mux.HandleFunc("/pass/serviceLoginAuth2", f.handleAuth)
	mux.HandleFunc("/sts", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "unrelated", Value: "1"})
		http.Redirect(w, r, "/sts/final", http.StatusFound)
	})
	mux.HandleFunc("/sts/final", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		noToken := f.noToken
		f.mu.Unlock()
		if !noToken {
			w.Header().Add("Set-Cookie", "serviceToken="+testServiceToken+"; Path=/; Domain=.api.io.mi.com")
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/app/", f.handleApp)

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeCloud) client() *http.Client {
	target, err := url.Parse(f.server.URL)
	require.NoError(f.t, err)
	return &http.Client{Transport: rewriteTransport{target: target}, Timeout: 5 * time.Second}
}

func (f *fakeCloud) session(account Account) *Session {
	if account.Username == "" {
		account.Username = testUsername
	}
	if account.Password == "" {
		account.Password = testPassword
	}
	s, err := NewSession(SessionConfig{Account: account, HTTPClient: f.client()})
	require.NoError(f.t, err)
	return s
}

func (f *fakeCloud) loggedIn(account Account) *Session {
	s := f.session(account)
	_, err := s.Login(context.Background())
	require.NoError(f.t, err)
	return s
}

func (f *fakeCloud) handleSign(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	omit := f.omitSign
	f.mu.Unlock()
	if r.URL.Query().Get("sid") != "xiaomiio" {
		http.Error(w, "bad sid", http.StatusBadRequest)
		return
	}
	if omit {
		_, _ = io.WriteString(w, "&&&START&&&{}")
		return
	}
	_, _ = io.WriteString(w, `&&&START&&&{"_sign":"`+testSign+`"}`)
}

func (f *fakeCloud) handleAuth(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	bad := f.badPassword
	f.mu.Unlock()

	sum := md5.Sum([]byte(testPassword)) // nolint:gosec
	want := strings.ToUpper(hex.EncodeToString(sum[:]))
	if bad || r.PostForm.Get("hash") != want || r.PostForm.Get("_sign") != testSign ||
		r.PostForm.Get("user") != testUsername || !strings.Contains(r.Header.Get("Cookie"), "deviceId=") {
		_, _ = io.WriteString(w, `&&&START&&&{"code":70016,"description":"invalid password"}`)
		return
	}
	_, _ = fmt.Fprintf(w, `&&&START&&&{"code":0,"userId":%d,"ssecurity":%q,"location":"https://sts.api.io.mi.com/sts?d=1"}`,
		testUserID, testSSecurity)
}

func (f *fakeCloud) handleApp(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	host := r.Header.Get("X-Original-Host")
	nonce := r.PostForm.Get("_nonce")
	signedNonce, err := SignedNonce(testSSecurity, nonce)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	load := map[string]string{}
	for k := range r.PostForm {
		switch k {
		case "signature", "ssecurity", "_nonce":
		default:
			load[k] = r.PostForm.Get(k)
		}
	}
	fullURL := "https://" + host + r.URL.Path
	if Signature(fullURL, http.MethodPost, signedNonce, load) != r.PostForm.Get("signature") {
		http.Error(w, "bad signature", http.StatusForbidden)
		return
	}

	key, _ := base64.StdEncoding.DecodeString(signedNonce)
	cipher := NewCipher(key, CloudRounds)
	data := cipher.Decode(r.PostForm.Get("data"))
	if Signature(fullURL, http.MethodPost, signedNonce, map[string]string{"data": data}) != r.PostForm.Get("rc4_hash__") {
		http.Error(w, "bad rc4 hash", http.StatusForbidden)
		return
	}

	f.mu.Lock()
	f.requests = append(f.requests, cloudRequest{Host: host, Path: r.URL.Path, Cookie: r.Header.Get("Cookie"), Data: data})
	status, body := f.appStatus, f.appBody
	f.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
	}
	_, _ = io.WriteString(w, cipher.Encode(body))
}

func (f *fakeCloud) setApp(status int, body string) {
	f.mu.Lock()
	f.appStatus, f.appBody = status, body
	f.mu.Unlock()
}

func (f *fakeCloud) appRequests() []cloudRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cloudRequest(nil), f.requests...)
}
