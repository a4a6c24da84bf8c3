package micloud

import (
	"crypto/rand"
	"crypto/sha1" // nolint:gosec
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"time"
)

// GenerateNonce returns base64(8 random bytes ++ int32be(minutes since epoch)).
func GenerateNonce(now time.Time) (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf[:8]); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	binary.BigEndian.PutUint32(buf[8:], uint32(int32(now.UnixMilli()/60000)))
	return base64.StdEncoding.EncodeToString(buf), nil
}

// SignedNonce derives the per-request key from the account secret.
func SignedNonce(ssecurity, nonce string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(ssecurity)
	if err != nil {
		return "", fmt.Errorf("decode ssecurity: %w", err)
	}
	n, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	h := sha256.New()
	h.Write(secret)
	h.Write(n)
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// Signature is base64(sha1(method & path & sorted k=v pairs & signedNonce)).
// path is the url text between the first and second "com", with the first
// "/app/" collapsed to "/".
func Signature(url, method, signedNonce string, params map[string]string) string {
	segments := []string{method, signaturePath(url)}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		segments = append(segments, k+"="+params[k])
	}
	segments = append(segments, signedNonce)

	sum := sha1.Sum([]byte(strings.Join(segments, "&"))) // nolint:gosec
	return base64.StdEncoding.EncodeToString(sum[:])
}

func signaturePath(url string) string {
	parts := strings.Split(url, "com")
	if len(parts) < 2 {
		return ""
	}
	return strings.Replace(parts[1], "/app/", "/", 1)
}

// SignedLoad builds the form fields for an encrypted cloud request: the
// params are signed, RC4 encrypted, then signed again. rc4_hash__ stays in
// the clear but is covered by the second signature.
func SignedLoad(url, method, signedNonce, nonce string, params map[string]string, ssecurity string) (map[string]string, error) {
	key, err := base64.StdEncoding.DecodeString(signedNonce)
	if err != nil {
		return nil, fmt.Errorf("decode signed nonce: %w", err)
	}
	cipher := NewCipher(key, CloudRounds)

	load := map[string]string{
		"rc4_hash__": Signature(url, method, signedNonce, params),
	}
	for k, v := range params {
		load[k] = cipher.Encode(v)
	}
	load["signature"] = Signature(url, method, signedNonce, load)
	load["ssecurity"] = ssecurity
	load["_nonce"] = nonce
	return load, nil
}

// DecryptResponse decodes an RC4 response body with the request's signed nonce.
func DecryptResponse(signedNonce, body string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(signedNonce)
	if err != nil {
		return "", fmt.Errorf("decode signed nonce: %w", err)
	}
	return NewCipher(key, CloudRounds).Decode(body), nil
}
