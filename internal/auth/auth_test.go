package auth

import (
	"testing"
	"time"

	"github.com/stakpak-dev/runtime/pkg/models"
)

func TestValidateAPIKey(t *testing.T) {
	service := NewService(Config{APIKeys: []APIKeyConfig{
		{Key: "key-one", UserID: "u1", Name: "One"},
		{Key: "key-two"},
	}})

	user, err := service.ValidateAPIKey("key-one")
	if err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
	if user.ID != "u1" {
		t.Errorf("user = %+v", user)
	}

	// A key without a configured user id still yields a stable identity.
	derived, err := service.ValidateAPIKey("key-two")
	if err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
	if derived.ID == "" {
		t.Error("derived user id is empty")
	}

	if _, err := service.ValidateAPIKey("wrong"); err == nil {
		t.Error("invalid key accepted")
	}
}

func TestJWTRoundTrip(t *testing.T) {
	service := NewService(Config{JWTSecret: "test-secret", TokenExpiry: time.Hour})

	token, err := service.GenerateJWT(&models.User{ID: "u1", Email: "u1@example.com"})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	user, err := service.ValidateJWT(token)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if user.ID != "u1" || user.Email != "u1@example.com" {
		t.Errorf("user = %+v", user)
	}
}

func TestJWTWrongSecretRejected(t *testing.T) {
	issuer := NewService(Config{JWTSecret: "secret-a"})
	verifier := NewService(Config{JWTSecret: "secret-b"})

	token, err := issuer.GenerateJWT(&models.User{ID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := verifier.ValidateJWT(token); err == nil {
		t.Error("token signed with another secret was accepted")
	}
}

func TestDisabledService(t *testing.T) {
	service := NewService(Config{})
	if service.Enabled() {
		t.Error("empty config should disable auth")
	}
	if _, err := service.ValidateAPIKey("x"); err != ErrAuthDisabled {
		t.Errorf("err = %v, want ErrAuthDisabled", err)
	}
	if _, err := service.ValidateJWT("x"); err != ErrAuthDisabled {
		t.Errorf("err = %v, want ErrAuthDisabled", err)
	}
}
