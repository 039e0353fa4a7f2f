// Package auth validates API credentials for the gateway's HTTP surface:
// static API keys and HMAC-signed JWTs.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stakpak-dev/runtime/pkg/models"
)

var (
	// ErrAuthDisabled means no credentials are configured at all.
	ErrAuthDisabled = errors.New("authentication not configured")
	// ErrInvalidKey means the presented API key matched nothing.
	ErrInvalidKey = errors.New("invalid api key")
	// ErrInvalidToken means the presented JWT failed verification.
	ErrInvalidToken = errors.New("invalid token")
)

// Config configures the auth service.
type Config struct {
	JWTSecret   string
	TokenExpiry time.Duration
	APIKeys     []APIKeyConfig
}

// APIKeyConfig declares one static API key and its identity.
type APIKeyConfig struct {
	Key    string
	UserID string
	Email  string
	Name   string
}

// Service validates JWTs and API keys.
type Service struct {
	mu      sync.RWMutex
	secret  []byte
	expiry  time.Duration
	apiKeys map[string]*models.User
}

// NewService builds an auth service from static configuration. API keys
// without a user id get a derived, stable one.
func NewService(cfg Config) *Service {
	service := &Service{
		expiry:  cfg.TokenExpiry,
		apiKeys: make(map[string]*models.User),
	}
	if secret := strings.TrimSpace(cfg.JWTSecret); secret != "" {
		service.secret = []byte(secret)
	}
	for _, entry := range cfg.APIKeys {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			continue
		}
		userID := strings.TrimSpace(entry.UserID)
		if userID == "" {
			digest := sha256.Sum256([]byte(key))
			userID = "api_" + hex.EncodeToString(digest[:8])
		}
		service.apiKeys[key] = &models.User{
			ID:    userID,
			Email: strings.TrimSpace(entry.Email),
			Name:  strings.TrimSpace(entry.Name),
		}
	}
	return service
}

// Enabled reports whether any credential source is configured.
func (s *Service) Enabled() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.secret) > 0 || len(s.apiKeys) > 0
}

// ValidateAPIKey matches key against the configured keys in constant
// time, so response timing can't be used to probe for valid keys.
func (s *Service) ValidateAPIKey(key string) (*models.User, error) {
	if s == nil {
		return nil, ErrAuthDisabled
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.apiKeys) == 0 {
		return nil, ErrAuthDisabled
	}

	presented := []byte(strings.TrimSpace(key))
	var matched *models.User
	for stored, user := range s.apiKeys {
		if subtle.ConstantTimeCompare(presented, []byte(stored)) == 1 {
			matched = user
		}
	}
	if matched == nil {
		return nil, ErrInvalidKey
	}
	return matched, nil
}

// jwtClaims carries the user identity inside a token.
type jwtClaims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// GenerateJWT issues a signed token for the user.
func (s *Service) GenerateJWT(user *models.User) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return "", errors.New("user id is required")
	}

	claims := jwtClaims{
		Email: user.Email,
		Name:  user.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  user.ID,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if s.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(s.expiry))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ValidateJWT verifies a token and returns the user it names. Only HMAC
// signatures are accepted; an "alg" downgrade fails verification.
func (s *Service) ValidateJWT(token string) (*models.User, error) {
	if s == nil || len(s.secret) == 0 {
		return nil, ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &jwtClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*jwtClaims)
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return &models.User{ID: claims.Subject, Email: claims.Email, Name: claims.Name}, nil
}
