package micloud

import (
	"encoding/base64"
	"strings"
)

// CloudRounds is the number of keystream bytes dropped before use.
const CloudRounds = 1024

// Cipher is the RC4 variant used to obfuscate cloud payloads. The key
// schedule runs once; every Crypt call starts from a copy of that state,
// so one Cipher gives identical output for identical input.
type Cipher struct {
	table [256]byte
	i, j  byte
}

// NewCipher runs the key schedule followed by rounds mixing steps. An empty
// key leaves the identity permutation untouched.
func NewCipher(key []byte, rounds int) *Cipher {
	c := &Cipher{}
	for k := range c.table {
		c.table[k] = byte(k)
	}
	if len(key) == 0 {
		return c
	}

	var j byte
	for i := 0; i < 256; i++ {
		j += c.table[i] + key[i%len(key)]
		c.table[i], c.table[j] = c.table[j], c.table[i]
	}

	var i byte
	j = 0
	for n := 0; n < rounds; n++ {
		i++
		j += c.table[i]
		c.table[i], c.table[j] = c.table[j], c.table[i]
	}
	c.i, c.j = i, j
	return c
}

// Crypt XORs data with the keystream. Encryption and decryption are the same.
func (c *Cipher) Crypt(data []byte) []byte {
	table := c.table
	i, j := c.i, c.j
	out := make([]byte, len(data))
	for n, b := range data {
		i++
		j += table[i]
		table[i], table[j] = table[j], table[i]
		out[n] = b ^ table[table[i]+table[j]]
	}
	return out
}

// Encode encrypts a UTF-8 string and returns it base64 encoded.
func (c *Cipher) Encode(plaintext string) string {
	return base64.StdEncoding.EncodeToString(c.Crypt([]byte(plaintext)))
}

// Decode reverses Encode. Input is not validated: characters outside the
// base64 alphabet are skipped, decoding stops at the first padding byte and
// invalid UTF-8 becomes U+FFFD.
func (c *Cipher) Decode(encoded string) string {
	raw := lenientBase64(encoded)
	return strings.ToValidUTF8(string(c.Crypt(raw)), "\uFFFD")
}

// lenientBase64 accepts both the standard and URL-safe alphabets.
func lenientBase64(s string) []byte {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '=':
			i = len(s)
		case ch == '-':
			b.WriteByte('+')
		case ch == '_':
			b.WriteByte('/')
		case ch == '+' || ch == '/',
			ch >= 'A' && ch <= 'Z',
			ch >= 'a' && ch <= 'z',
			ch >= '0' && ch <= '9':
			b.WriteByte(ch)
		}
	}
	clean := b.String()
	// a lone trailing sextet carries no whole byte
	if len(clean)%4 == 1 {
		clean = clean[:len(clean)-1]
	}
	raw, err := base64.RawStdEncoding.DecodeString(clean)
	if err != nil {
		return nil
	}
	return raw
}
