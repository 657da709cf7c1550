package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := NewService(context.Background(), Config{TokenExpiry: time.Hour})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return s
}

func TestRegister(t *testing.T) {
	s := newTestService(t)

	user, token, err := s.Register("Alice", "alice@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if user.ID == "" {
		t.Error("registered user has no ID")
	}
	if token == "" {
		t.Error("Register returned no token")
	}

	gotID, err := s.GetUserID(token)
	if err != nil {
		t.Fatalf("GetUserID failed: %v", err)
	}
	if gotID != user.ID {
		t.Errorf("token resolves to %s, want %s", gotID, user.ID)
	}
}

func TestRegister_Failures(t *testing.T) {
	s := newTestService(t)

	if _, _, err := s.Register("A", "not-an-email", "correct-horse"); !errors.Is(err, ErrInvalidEmail) {
		t.Errorf("expected ErrInvalidEmail, got %v", err)
	}
	if _, _, err := s.Register("A", "a@example.com", "short"); !errors.Is(err, ErrWeakPassword) {
		t.Errorf("expected ErrWeakPassword, got %v", err)
	}
	if _, _, err := s.Register("A!!", "n1@example.com", "correct-horse"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("expected ErrInvalidName for punctuation, got %v", err)
	}
	longName := make([]byte, 65)
	for i := range longName {
		longName[i] = 'a'
	}
	if _, _, err := s.Register(string(longName), "n2@example.com", "correct-horse"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("expected ErrInvalidName for 65 runes, got %v", err)
	}

	if _, _, err := s.Register("A", "a@example.com", "correct-horse"); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	if _, _, err := s.Register("B", "a@example.com", "other-password"); !errors.Is(err, ErrEmailInUse) {
		t.Errorf("expected ErrEmailInUse, got %v", err)
	}
}

func TestRegister_NameDefaultsToMailbox(t *testing.T) {
	s := newTestService(t)

	user, _, err := s.Register("", "carol@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if user.Name != "carol" {
		t.Errorf("expected defaulted name carol, got %q", user.Name)
	}

	// Markup-only names sanitize to nothing and fall back the same way.
	user, _, err = s.Register("<b></b>", "dave@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if user.Name != "dave" {
		t.Errorf("expected defaulted name dave, got %q", user.Name)
	}
}

func TestLogin(t *testing.T) {
	s := newTestService(t)

	registered, _, err := s.Register("Alice", "alice@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	user, token, err := s.Login("alice@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if user.ID != registered.ID {
		t.Errorf("login user %s, want %s", user.ID, registered.ID)
	}
	if token == "" {
		t.Error("Login returned no token")
	}

	if _, _, err := s.Login("alice@example.com", "wrong"); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("expected ErrWrongPassword, got %v", err)
	}
	// Unknown email must be indistinguishable from a wrong password.
	if _, _, err := s.Login("nobody@example.com", "whatever"); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("expected ErrWrongPassword for unknown email, got %v", err)
	}
}

func TestLogin_Throttle(t *testing.T) {
	s := newTestService(t)
	now := time.Now()
	s.now = func() time.Time { return now }

	if _, _, err := s.Register("Alice", "alice@example.com", "correct-horse"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, _, err := s.Login("alice@example.com", "wrong"); !errors.Is(err, ErrWrongPassword) {
			t.Fatalf("attempt %d: expected ErrWrongPassword, got %v", i, err)
		}
	}

	// Even the correct password is rejected while the account is throttled.
	if _, _, err := s.Login("alice@example.com", "correct-horse"); !errors.Is(err, ErrThrottled) {
		t.Errorf("expected ErrThrottled, got %v", err)
	}

	// After the backoff window the correct password works again.
	now = now.Add(2 * time.Hour)
	if _, _, err := s.Login("alice@example.com", "correct-horse"); err != nil {
		t.Errorf("expected login to succeed after backoff, got %v", err)
	}
}

func TestLogoff(t *testing.T) {
	s := newTestService(t)

	_, token, err := s.Register("Alice", "alice@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := s.Logoff(token); err != nil {
		t.Fatalf("Logoff failed: %v", err)
	}
	if _, err := s.GetUserID(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken after logoff, got %v", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := NewService(ctx, Config{TokenExpiry: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	_, token, err := s.Register("Alice", "alice@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if _, err := s.GetUserID(token); err == nil {
		t.Error("expected expired token to be rejected")
	}
}
