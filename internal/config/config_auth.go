package config

import "time"

// AuthConfig configures HTTP API authentication.
type AuthConfig struct {
	// JWTSecret signs and verifies bearer JWTs. Empty disables JWT auth.
	JWTSecret string `yaml:"jwt_secret"`

	// TokenExpiry bounds issued JWT lifetimes.
	TokenExpiry time.Duration `yaml:"token_expiry"`

	// APIKeys are static bearer tokens with an attached identity.
	APIKeys []APIKeyConfig `yaml:"api_keys"`
}

// APIKeyConfig declares one static API key.
type APIKeyConfig struct {
	Key    string `yaml:"key"`
	UserID string `yaml:"user_id"`
	Email  string `yaml:"email"`
	Name   string `yaml:"name"`
}
