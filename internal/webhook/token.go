// Package webhook implements the ingress side of the pipeline (C5): forge
// push hooks arrive here, get authenticated through the encrypted hook token
// and are turned into commit-sync requests for the event log.
package webhook

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/renkulab/kg-pipeline/internal/events"
)

// Key derivation parameters. The salt is fixed: the secret is already a
// high-entropy value and the derived key must be stable across instances.
const (
	keyLength     = 32
	keyIterations = 10000
)

var keySalt = []byte("kg-pipeline-hook-token")

// Token errors. Decrypt failures are deliberately indistinct; the handler
// maps them all to 401 without detail.
var (
	ErrSecretRequired = errors.New("hook token secret cannot be empty")
	ErrInvalidToken   = errors.New("invalid hook token")
)

// TokenCrypto encrypts and decrypts hook tokens. The plaintext is the project
// id, so possession of the token proves the hook was issued for that project.
type TokenCrypto struct {
	aead cipher.AEAD
}

// NewTokenCrypto derives the AES key from the shared secret.
func NewTokenCrypto(secret string) (*TokenCrypto, error) {
	if secret == "" {
		return nil, ErrSecretRequired
	}

	key := pbkdf2.Key([]byte(secret), keySalt, keyIterations, keyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise hook token cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise hook token cipher: %w", err)
	}

	return &TokenCrypto{aead: aead}, nil
}

// Encrypt produces the base64 token for a project. Each call uses a fresh
// nonce, so tokens for the same project differ.
func (c *TokenCrypto) Encrypt(projectID events.ProjectID) (string, error) {
	if err := projectID.Validate(); err != nil {
		return "", err
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate token nonce: %w", err)
	}

	plaintext := []byte(projectID.String())
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)

	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt recovers the project id from a token. Any tampering, truncation or
// wrong-secret token yields ErrInvalidToken.
func (c *TokenCrypto) Decrypt(token string) (events.ProjectID, error) {
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return 0, ErrInvalidToken
	}

	if len(sealed) < c.aead.NonceSize() {
		return 0, ErrInvalidToken
	}

	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]

	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return 0, ErrInvalidToken
	}

	id, err := strconv.Atoi(string(plaintext))
	if err != nil {
		return 0, ErrInvalidToken
	}

	projectID := events.ProjectID(id)
	if err := projectID.Validate(); err != nil {
		return 0, ErrInvalidToken
	}

	return projectID, nil
}
