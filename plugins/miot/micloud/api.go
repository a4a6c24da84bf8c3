package micloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrRequestFailed marks an absent result: transport failure, non-2xx
// status, or a body that does not decode to JSON.
var ErrRequestFailed = errors.New("micloud: request failed")

const sdkVersion = "accountsdk-18.8.15"

// AuthContext is everything a signed request needs. It is replaced as a
// whole on every login.
type AuthContext struct {
	UserAgent    string
	ClientID     string
	UserID       int64
	ServiceToken string
	Locale       string
	Country      string
	SSecurity    string
}

// APIURL returns the app endpoint for path in country. "cn" has no host prefix.
func APIURL(country, path string) string {
	if country == "" {
		country = "cn"
	}
	prefix := ""
	if country != "cn" {
		prefix = country + "."
	}
	u := prefix + "api.io.mi.com/app/" + path
	u = strings.ReplaceAll(u, "//", "/")
	return "https://" + u
}

// API issues RC4-signed requests against the app endpoint.
type API struct {
	httpClient *http.Client
	now        func() time.Time
}

func NewAPI(httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &API{httpClient: httpClient, now: time.Now}
}

// Request posts data to path and returns the decrypted JSON body.
func (a *API) Request(ctx context.Context, auth AuthContext, path string, data any) (json.RawMessage, error) {
	endpoint := APIURL(auth.Country, path)

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode request data: %w", err)
	}
	nonce, err := GenerateNonce(a.now())
	if err != nil {
		return nil, err
	}
	signedNonce, err := SignedNonce(auth.SSecurity, nonce)
	if err != nil {
		return nil, err
	}
	load, err := SignedLoad(endpoint, http.MethodPost, signedNonce, nonce, map[string]string{"data": string(payload)}, auth.SSecurity)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	for k, v := range load {
		form.Set(k, v)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", auth.UserAgent)
	req.Header.Set("x-xiaomi-protocal-flag-cli", "PROTOCAL-HTTP2")
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("MIOT-ENCRYPT-ALGORITHM", "ENCRYPT-RC4")
	req.Header.Set("Cookie", requestCookie(auth))

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRequestFailed, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrRequestFailed, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s: status %d", ErrRequestFailed, path, resp.StatusCode)
	}

	plain, err := DecryptResponse(signedNonce, string(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	if !json.Valid([]byte(plain)) {
		return nil, fmt.Errorf("%w: %s: response is not json", ErrRequestFailed, path)
	}
	return json.RawMessage(plain), nil
}

func requestCookie(auth AuthContext) string {
	return strings.Join([]string{
		"sdkVersion=" + sdkVersion,
		"deviceId=" + auth.ClientID,
		"userId=" + strconv.FormatInt(auth.UserID, 10),
		"yetAnotherServiceToken=" + auth.ServiceToken,
		"serviceToken=" + auth.ServiceToken,
		"locale=" + auth.Locale,
		"channel=MI_APP_STORE",
	}, "; ")
}
