package auth

import (
	"errors"
	"testing"
	"time"
)

func TestAuthenticate(t *testing.T) {
	a, err := NewAuthenticator(Config{Enabled: true, Password: "s3cret", JWTSecret: "k"})
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := a.Authenticate("admin", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: %v", err)
	}
	if _, _, err := a.Authenticate("root", "s3cret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong user: %v", err)
	}

	token, exp, err := a.Authenticate("admin", "s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if exp <= time.Now().Unix() {
		t.Errorf("expiry %d is in the past", exp)
	}
	claims, err := a.ValidateToken(token)
	if err != nil || claims.Username != "admin" {
		t.Fatalf("claims = %+v, err = %v", claims, err)
	}
}

func TestAuthenticatorAcceptsHash(t *testing.T) {
	hash, err := HashPassword("pw")
	if err != nil {
		t.Fatal(err)
	}
	a, err := NewAuthenticator(Config{Enabled: true, Username: "keeper", Password: hash})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := a.Authenticate("keeper", "pw"); err != nil {
		t.Errorf("hashed password rejected: %v", err)
	}
}

func TestAuthenticatorDisabled(t *testing.T) {
	a, err := NewAuthenticator(Config{})
	if err != nil {
		t.Fatal(err)
	}
	if a.IsEnabled() {
		t.Error("enabled by default")
	}
	if _, _, err := a.Authenticate("admin", ""); !errors.Is(err, ErrAuthDisabled) {
		t.Errorf("err = %v", err)
	}
	if _, err := NewAuthenticator(Config{Enabled: true}); err == nil {
		t.Error("enabled without password accepted")
	}
}

func TestValidateTokenExpiredAndForeign(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	now := time.Now()
	m.now = func() time.Time { return now }

	token, _, err := m.GenerateToken("admin")
	if err != nil {
		t.Fatal(err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := m.ValidateToken(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expired token: %v", err)
	}

	other := NewJWTManager("another", time.Hour)
	foreign, _, _ := other.GenerateToken("admin")
	if _, err := m.ValidateToken(foreign); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("foreign token: %v", err)
	}
}
