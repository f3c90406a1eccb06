// Package cipher encrypts small secrets, such as serialized credentials, for
// storage outside the process.
//
// Tokens are JSON objects carrying a random IV, the AES-256-CBC ciphertext and
// an HMAC-SHA256 over both (encrypt-then-MAC). The encryption and MAC keys are
// derived from the caller's 32-byte key with HKDF, so a single key is all the
// caller ever handles.
package cipher

import (
	"bytes"
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"

	"golang.org/x/crypto/hkdf"
)

const (
	KeyLength = 32
	IVLength  = aes.BlockSize
)

var (
	ErrInvalidKey     = errors.New("invalid encryption key")
	ErrMalformedToken = errors.New("malformed encrypted token")
	ErrDecryption     = errors.New("unable to decrypt token")
)

var hexKeyPattern = regexp.MustCompile(fmt.Sprintf("^[0-9a-fA-F]{%d}$", KeyLength*2))

// Key is a validated 256-bit secret.
type Key struct {
	encKey []byte
	macKey []byte
}

// ParseKey accepts a 64 character hex string.
func ParseKey(hexKey string) (Key, error) {
	if !hexKeyPattern.MatchString(hexKey) {
		return Key{}, ErrInvalidKey
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return Key{}, ErrInvalidKey
	}
	return KeyFromBytes(raw)
}

// KeyFromBytes accepts exactly 32 raw bytes.
func KeyFromBytes(raw []byte) (Key, error) {
	if len(raw) != KeyLength {
		return Key{}, ErrInvalidKey
	}

	kdf := hkdf.New(sha256.New, raw, nil, []byte("salesforce-connector credentials v1"))
	derived := make([]byte, 2*KeyLength)
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return Key{}, fmt.Errorf("derive keys: %w", err)
	}

	return Key{
		encKey: derived[:KeyLength],
		macKey: derived[KeyLength:],
	}, nil
}

func (k Key) valid() bool {
	return len(k.encKey) == KeyLength && len(k.macKey) == KeyLength
}

type token struct {
	IV  string `json:"iv"`
	CT  string `json:"ct"`
	MAC string `json:"mac"`
}

func Encrypt(plaintext string, key Key) (string, error) {
	if !key.valid() {
		return "", ErrInvalidKey
	}

	iv := make([]byte, IVLength)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	block, err := aes.NewCipher(key.encKey)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	padded := pad([]byte(plaintext))
	ct := make([]byte, len(padded))
	gocipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	encoded, err := json.Marshal(token{
		IV:  hex.EncodeToString(iv),
		CT:  hex.EncodeToString(ct),
		MAC: hex.EncodeToString(sign(key.macKey, iv, ct)),
	})
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}
	return string(encoded), nil
}

func Decrypt(encoded string, key Key) (string, error) {
	if !key.valid() {
		return "", ErrInvalidKey
	}

	var t token
	if err := json.Unmarshal([]byte(encoded), &t); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	iv, err := hex.DecodeString(t.IV)
	if err != nil || len(iv) != IVLength {
		return "", fmt.Errorf("%w: bad iv", ErrMalformedToken)
	}
	ct, err := hex.DecodeString(t.CT)
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: bad ciphertext", ErrMalformedToken)
	}
	mac, err := hex.DecodeString(t.MAC)
	if err != nil {
		return "", fmt.Errorf("%w: bad mac", ErrMalformedToken)
	}

	if !hmac.Equal(mac, sign(key.macKey, iv, ct)) {
		return "", ErrDecryption
	}

	block, err := aes.NewCipher(key.encKey)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	plain := make([]byte, len(ct))
	gocipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)

	plain, err = unpad(plain)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func sign(macKey, iv, ct []byte) []byte {
	h := hmac.New(sha256.New, macKey)
	h.Write(iv)
	h.Write(ct)
	return h.Sum(nil)
}

// PKCS#7
func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrDecryption
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, ErrDecryption
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, ErrDecryption
		}
	}
	return b[:len(b)-n], nil
}
