package miio

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5" // nolint:gosec
	"encoding/hex"
	"errors"
	"fmt"
)

// Token is the 16-byte secret shared with a device.
type Token [16]byte

// ParseToken decodes a hex token as stored in the cloud device list.
func ParseToken(s string) (Token, error) {
	var t Token
	raw, err := hex.DecodeString(s)
	if err != nil {
		return t, fmt.Errorf("decode token: %w", err)
	}
	if len(raw) != len(t) {
		return t, fmt.Errorf("token must be %d bytes, got %d", len(t), len(raw))
	}
	copy(t[:], raw)
	return t, nil
}

func (t Token) String() string {
	return hex.EncodeToString(t[:])
}

func (t Token) IsZero() bool {
	return t == Token{}
}

func (t Token) key() []byte {
	return md5Bytes(t[:])
}

func (t Token) iv() []byte {
	key := t.key()
	return md5Bytes(append(key, t[:]...))
}

func md5Bytes(data []byte) []byte {
	sum := md5.Sum(data) // nolint:gosec
	return sum[:]
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - (len(data) % blockSize)
	padding := bytes.Repeat([]byte{byte(pad)}, pad)
	return append(data, padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padding size")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize || pad > len(data) {
		return nil, errors.New("invalid padding")
	}
	for i := 0; i < pad; i++ {
		if data[len(data)-1-i] != byte(pad) {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-pad], nil
}

func encrypt(token Token, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(token.key())
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(append([]byte{}, plaintext...), block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, token.iv()).CryptBlocks(out, padded)
	return out, nil
}

func decrypt(token Token, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(token.key())
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, errors.New("invalid cbc ciphertext length")
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, token.iv()).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out, block.BlockSize())
}
