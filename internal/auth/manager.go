// Package auth controls access to the read-only status API. API keys are
// minted once, stored as bcrypt hashes, and exchanged for short-lived JWT
// bearer tokens.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/jordanhubbard/foundry/pkg/models"
)

// KeyStore is the durable API key boundary, satisfied by
// internal/database.
type KeyStore interface {
	InsertAPIKey(k *models.APIKey) error
	GetAPIKey(id string) (*models.APIKey, error)
	TouchAPIKey(id string, at time.Time) error
}

// Claims are the JWT payload for an authenticated API key.
type Claims struct {
	KeyID   string `json:"key_id"`
	KeyName string `json:"key_name"`
	jwt.RegisteredClaims
}

// Manager issues and validates access tokens.
type Manager struct {
	store     KeyStore
	jwtSecret string
	tokenTTL  time.Duration
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithTokenTTL sets the bearer token lifetime.
func WithTokenTTL(d time.Duration) Option {
	return func(m *Manager) { m.tokenTTL = d }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an auth manager. An empty jwtSecret gets a random
// per-process secret, so tokens do not survive restarts.
func NewManager(store KeyStore, jwtSecret string, opts ...Option) *Manager {
	if jwtSecret == "" {
		jwtSecret = randomSecret(32)
		log.Printf("[Auth] Generated random JWT secret for session (not persistent)")
	}
	m := &Manager{
		store:     store,
		jwtSecret: jwtSecret,
		tokenTTL:  24 * time.Hour,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MintKey creates a new API key and returns the record with the one-time
// plaintext secret. Only the bcrypt hash is persisted.
func (m *Manager) MintKey(name string) (*models.APIKey, string, error) {
	if name == "" {
		return nil, "", fmt.Errorf("key name is required")
	}
	secret := randomSecret(24)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash key secret: %w", err)
	}

	key := &models.APIKey{
		ID:        uuid.New().String(),
		Name:      name,
		Hash:      string(hash),
		CreatedAt: m.now(),
	}
	if err := m.store.InsertAPIKey(key); err != nil {
		return nil, "", err
	}
	log.Printf("[Auth] Minted API key %s (%s)", key.ID, name)
	return key, secret, nil
}

// Login exchanges an API key id + secret for a bearer token.
func (m *Manager) Login(keyID, secret string) (string, error) {
	key, err := m.store.GetAPIKey(keyID)
	if err != nil {
		return "", fmt.Errorf("invalid key id or secret")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.Hash), []byte(secret)); err != nil {
		return "", fmt.Errorf("invalid key id or secret")
	}
	if err := m.store.TouchAPIKey(keyID, m.now()); err != nil {
		log.Printf("[Auth] Failed to record key usage for %s: %v", keyID, err)
	}
	return m.generateToken(key)
}

func (m *Manager) generateToken(key *models.APIKey) (string, error) {
	now := m.now()
	claims := &Claims{
		KeyID:   key.ID,
		KeyName: key.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "foundry",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.jwtSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies a bearer token.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.jwtSecret), nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

func randomSecret(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(buf)
}
