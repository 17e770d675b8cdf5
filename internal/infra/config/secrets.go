package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const encPrefix = "enc:"

// Sealed secret layout: version(1) | salt(16) | nonce(12) | ciphertext+tag,
// base64url without padding.
const (
	sealVersion = 1
	saltLen     = 16

	kdfTime    = 1
	kdfMemory  = 64 * 1024
	kdfThreads = 4
	kdfKeyLen  = 32
)

var errSealed = errors.New("malformed sealed value")

type secretField struct {
	name string
	ptr  *string
}

func secretFields(cfg *Config) []secretField {
	fields := []secretField{
		{"gateway.auth.admin_token", &cfg.Gateway.Auth.AdminToken},
		{"bus.transport.redis_url", &cfg.Bus.Transport.RedisURL},
	}
	for i := range cfg.Gateway.Auth.Tokens {
		tok := &cfg.Gateway.Auth.Tokens[i]
		fields = append(fields, secretField{fmt.Sprintf("gateway.auth.tokens[%d](%s)", i, tok.Name), &tok.Token})
	}
	return fields
}

// decryptSecrets opens every "enc:" value among the credential fields.
func decryptSecrets(cfg *Config, passphrase string) error {
	for _, f := range secretFields(cfg) {
		sealed, ok := strings.CutPrefix(*f.ptr, encPrefix)
		if !ok {
			continue
		}
		plain, err := DecryptValue(sealed, passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.ptr = plain
	}
	return nil
}

func deriveAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemory, kdfThreads, kdfKeyLen)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptValue seals plaintext with AES-256-GCM under a key derived from
// passphrase with Argon2id. The result carries no "enc:" prefix.
func EncryptValue(plaintext, passphrase string) (string, error) {
	head := make([]byte, 1+saltLen, 1+saltLen+12)
	head[0] = sealVersion
	if _, err := rand.Read(head[1:]); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}
	aead, err := deriveAEAD(passphrase, head[1:])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	out := aead.Seal(append(head, nonce...), nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(sealed, passphrase string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errSealed, err)
	}
	if len(raw) < 1+saltLen || raw[0] != sealVersion {
		return "", errSealed
	}
	salt, rest := raw[1:1+saltLen], raw[1+saltLen:]

	aead, err := deriveAEAD(passphrase, salt)
	if err != nil {
		return "", err
	}
	if len(rest) < aead.NonceSize()+aead.Overhead() {
		return "", errSealed
	}
	n := aead.NonceSize()
	plain, err := aead.Open(nil, rest[:n], rest[n:], nil)
	if err != nil {
		return "", errors.New("wrong passphrase or corrupted value")
	}
	return string(plain), nil
}
