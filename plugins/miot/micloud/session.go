package micloud

import (
	"context"
	"crypto/md5" // nolint:gosec
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrAuth is returned when a login step fails. The message names the step.
var ErrAuth = errors.New("micloud: login failed")

// ErrNotLoggedIn is returned by requests made before a successful login.
var ErrNotLoggedIn = errors.New("micloud: not logged in")

const (
	DefaultLocale   = "en"
	DefaultCountry  = "ru"
	DefaultClientID = "AZJROP"
	DefaultAgentID  = "ABCDEFABCDEFB"

	SignURL     = "https://account.xiaomi.com/pass/serviceLogin?sid=xiaomiio&_json=true"
	LoginURL    = "https://account.xiaomi.com/pass/serviceLoginAuth2"
	callbackURL = "https://sts.api.io.mi.com/sts"

	jsonPrefix   = "&&&START&&&"
	maxRedirects = 10
)

// Countries lists the regions the app endpoint serves.
var Countries = []string{"ru", "us", "tw", "sg", "cn", "de", "in", "i2"}

func ValidCountry(country string) bool {
	return slices.Contains(Countries, country)
}

func UserAgent(agentID string) string {
	return fmt.Sprintf("Android-7.1.1-1.0.0-ONEPLUS A3010-136-%s APP/xiaomi.smarthome APPV/62830", agentID)
}

var serviceTokenPattern = regexp.MustCompile(`serviceToken=([\w+/=]*);`)

// Account holds the credentials for one cloud login.
type Account struct {
	Username string
	Password string
	Locale   string
	Country  string
	ClientID string
	AgentID  string
}

func (a Account) withDefaults() Account {
	if a.Locale == "" {
		a.Locale = DefaultLocale
	}
	if a.Country == "" {
		a.Country = DefaultCountry
	}
	if a.ClientID == "" {
		a.ClientID = DefaultClientID
	}
	if a.AgentID == "" {
		a.AgentID = DefaultAgentID
	}
	return a
}

// Validate reports missing credentials and unknown countries.
func (a Account) Validate() error {
	var problems []string
	if a.Username == "" {
		problems = append(problems, "username is required")
	}
	if a.Password == "" {
		problems = append(problems, "password is required")
	}
	if a.Country != "" && !ValidCountry(a.Country) {
		problems = append(problems, fmt.Sprintf("country %q is not one of %s", a.Country, strings.Join(Countries, ", ")))
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// LoginState tracks progress through the three login steps.
type LoginState int

const (
	LoginAnonymous LoginState = iota
	LoginSignFetch
	LoginCredentialPost
	LoginTokenRedirect
	LoginAuthenticated
	LoginFailed
)

func (s LoginState) String() string {
	switch s {
	case LoginAnonymous:
		return "anonymous"
	case LoginSignFetch:
		return "sign_fetch"
	case LoginCredentialPost:
		return "credential_post"
	case LoginTokenRedirect:
		return "token_redirect"
	case LoginAuthenticated:
		return "authenticated"
	case LoginFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LoginEvent is delivered to the session Observer on every state change.
type LoginEvent struct {
	Username string
	State    LoginState
	UserID   int64
	Err      error
	At       time.Time
}

type Observer func(LoginEvent)

type SessionConfig struct {
	Account    Account
	HTTPClient *http.Client
	Observer   Observer
	Logger     *logrus.Entry
}

// Session is an authenticated cloud account. Login must succeed before
// Request or Devices can be used.
type Session struct {
	account  Account
	http     *http.Client
	api      *API
	observer Observer
	log      *logrus.Entry

	mu    sync.Mutex
	state LoginState
	auth  *AuthContext
}

func NewSession(cfg SessionConfig) (*Session, error) {
	account := cfg.Account.withDefaults()
	if err := account.Validate(); err != nil {
		return nil, err
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Session{
		account:  account,
		http:     httpClient,
		api:      NewAPI(httpClient),
		observer: cfg.Observer,
		log:      log.WithField("account", account.Username),
	}, nil
}

func (s *Session) Account() Account {
	return s.account
}

func (s *Session) State() LoginState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Auth returns the current auth context, if logged in.
func (s *Session) Auth() (AuthContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auth == nil {
		return AuthContext{}, false
	}
	return *s.auth, true
}

func (s *Session) UserID() int64 {
	auth, _ := s.Auth()
	return auth.UserID
}

type signResponse struct {
	Sign string `json:"_sign"`
}

type loginResponse struct {
	Location    string      `json:"location"`
	UserID      json.Number `json:"userId"`
	SSecurity   string      `json:"ssecurity"`
	Code        int         `json:"code"`
	Description string      `json:"description"`
}

// Login runs the sign fetch, credential post and token redirect. A failure
// clears any previous auth context. There is no automatic retry.
func (s *Session) Login(ctx context.Context) (AuthContext, error) {
	s.mu.Lock()
	s.auth = nil
	s.mu.Unlock()

	s.setState(LoginSignFetch, nil)
	sign, err := s.fetchSign(ctx)
	if err != nil {
		return AuthContext{}, s.fail(err)
	}

	s.setState(LoginCredentialPost, nil)
	login, err := s.postCredentials(ctx, sign)
	if err != nil {
		return AuthContext{}, s.fail(err)
	}

	s.setState(LoginTokenRedirect, nil)
	serviceToken, err := s.fetchServiceToken(ctx, login.Location)
	if err != nil {
		return AuthContext{}, s.fail(err)
	}

	var userID int64
	if login.UserID != "" {
		if userID, err = login.UserID.Int64(); err != nil {
			userID = 0
		}
	}
	auth := AuthContext{
		UserAgent:    UserAgent(s.account.AgentID),
		ClientID:     s.account.ClientID,
		UserID:       userID,
		ServiceToken: serviceToken,
		Locale:       s.account.Locale,
		Country:      s.account.Country,
		SSecurity:    login.SSecurity,
	}

	s.mu.Lock()
	s.auth = &auth
	s.mu.Unlock()
	s.log.WithField("user_id", userID).Info("cloud login succeeded")
	s.setState(LoginAuthenticated, nil)
	return auth, nil
}

func (s *Session) fetchSign(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, SignURL, nil)
	if err != nil {
		return "", err
	}
	body, _, err := s.do(req)
	if err != nil {
		return "", fmt.Errorf("%w: sign fetch: %v", ErrAuth, err)
	}
	var out signResponse
	if err := decodeAccountJSON(body, &out); err != nil {
		return "", fmt.Errorf("%w: sign fetch: %v", ErrAuth, err)
	}
	if out.Sign == "" {
		return "", fmt.Errorf("%w: sign fetch: no _sign in response", ErrAuth)
	}
	return out.Sign, nil
}

func (s *Session) postCredentials(ctx context.Context, sign string) (loginResponse, error) {
	sum := md5.Sum([]byte(s.account.Password)) // nolint:gosec
	form := url.Values{
		"user":     {s.account.Username},
		"hash":     {strings.ToUpper(hex.EncodeToString(sum[:]))},
		"_json":    {"true"},
		"sid":      {"xiaomiio"},
		"callback": {callbackURL},
		"qs":       {"%3Fsid%3Dxiaomiio%26_json%3Dtrue"},
		"_sign":    {sign},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, LoginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return loginResponse{}, err
	}
	req.Header.Set("User-Agent", UserAgent(s.account.AgentID))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Cookie", "sdkVersion="+sdkVersion+"; deviceId="+s.account.ClientID+";")

	body, _, err := s.do(req)
	if err != nil {
		return loginResponse{}, fmt.Errorf("%w: credential post: %v", ErrAuth, err)
	}
	var out loginResponse
	if err := decodeAccountJSON(body, &out); err != nil {
		return loginResponse{}, fmt.Errorf("%w: credential post: %v", ErrAuth, err)
	}
	if out.Location == "" {
		msg := out.Description
		if msg == "" {
			msg = "no location in response"
		}
		return loginResponse{}, fmt.Errorf("%w: credential post: code %d: %s", ErrAuth, out.Code, msg)
	}
	if out.SSecurity == "" {
		return loginResponse{}, fmt.Errorf("%w: credential post: no ssecurity in response", ErrAuth)
	}
	return out, nil
}

// fetchServiceToken walks the redirect chain one hop at a time so the
// cookie set on an intermediate response is not lost.
func (s *Session) fetchServiceToken(ctx context.Context, location string) (string, error) {
	client := *s.http
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	next, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("%w: token redirect: %v", ErrAuth, err)
	}
	for hop := 0; hop < maxRedirects; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, next.String(), nil)
		if err != nil {
			return "", fmt.Errorf("%w: token redirect: %v", ErrAuth, err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("%w: token redirect: %v", ErrAuth, err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		for _, cookie := range resp.Header.Values("Set-Cookie") {
			if m := serviceTokenPattern.FindStringSubmatch(cookie); m != nil {
				return m[1], nil
			}
		}

		loc, err := resp.Location()
		if err != nil {
			break
		}
		next = loc
	}
	return "", fmt.Errorf("%w: token redirect: no serviceToken cookie", ErrAuth)
}

func (s *Session) do(req *http.Request) ([]byte, int, error) {
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode)
	}
	return body, resp.StatusCode, nil
}

func decodeAccountJSON(body []byte, out any) error {
	text := strings.TrimPrefix(string(body), jsonPrefix)
	if strings.TrimSpace(text) == "" {
		text = "{}"
	}
	return json.Unmarshal([]byte(text), out)
}

// Request issues a signed app request with the current auth context.
func (s *Session) Request(ctx context.Context, path string, data any) (json.RawMessage, error) {
	auth, ok := s.Auth()
	if !ok {
		return nil, ErrNotLoggedIn
	}
	return s.api.Request(ctx, auth, path, data)
}

func (s *Session) fail(err error) error {
	s.log.WithError(err).Warn("cloud login failed")
	s.setState(LoginFailed, err)
	return err
}

func (s *Session) setState(state LoginState, err error) {
	s.mu.Lock()
	s.state = state
	var userID int64
	if s.auth != nil {
		userID = s.auth.UserID
	}
	s.mu.Unlock()

	if s.observer != nil {
		s.observer(LoginEvent{
			Username: s.account.Username,
			State:    state,
			UserID:   userID,
			Err:      err,
			At:       time.Now(),
		})
	}
}
