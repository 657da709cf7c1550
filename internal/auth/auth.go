package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"tetatet/internal/content"
	"tetatet/internal/models"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	minPasswordLength  = 8
)

// Credential failure codes. The relay sends the code over the wire; the
// client maps it to a short user-presentable message. Raw error text never
// reaches the end user.
const (
	CodeInvalidEmail  = "invalid-email"
	CodeInvalidName   = "invalid-name"
	CodeEmailInUse    = "email-in-use"
	CodeWeakPassword  = "weak-password"
	CodeWrongPassword = "wrong-password"
	CodeThrottled     = "throttled"
	CodeInternal      = "internal"
)

// Error is a credential operation failure carrying a stable code.
type Error struct {
	Code string
}

func (e *Error) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Code)
}

var (
	ErrInvalidEmail  = &Error{Code: CodeInvalidEmail}
	ErrInvalidName   = &Error{Code: CodeInvalidName}
	ErrEmailInUse    = &Error{Code: CodeEmailInUse}
	ErrWeakPassword  = &Error{Code: CodeWeakPassword}
	ErrWrongPassword = &Error{Code: CodeWrongPassword}
	ErrThrottled     = &Error{Code: CodeThrottled}

	ErrInvalidToken = errors.New("invalid or expired token")
)

// Account holds a registered user together with their credential state.
type Account struct {
	models.User
	PasswordHash []byte
	// Counter for consecutive failed login attempts to throttle brute force attacks.
	FailedLoginAttempts int64
	LastAttemptTime     int64
}

type Config struct {
	TokenExpiry time.Duration
}

func (c *Config) Validate() error {
	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	if c.TokenExpiry < 0 {
		return errors.New("token expiry must be positive")
	}
	return nil
}

// Service issues identities and verifies credentials for the relay.
type Service struct {
	Config
	accounts   *geche.Locker[string, *Account]
	liveTokens geche.Geche[string, string]
	now        func() time.Time
}

func NewService(ctx context.Context, config Config) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		Config:     config,
		accounts:   geche.NewLocker[string, *Account](geche.NewMapCache[string, *Account]()),
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:        time.Now,
	}, nil
}

// Register creates a new account and returns the user together with a live
// session token.
func (s *Service) Register(name, email, password string) (models.User, string, error) {
	if _, err := mail.ParseAddress(email); err != nil {
		return models.User{}, "", ErrInvalidEmail
	}
	if len(password) < minPasswordLength {
		return models.User{}, "", ErrWeakPassword
	}
	name = strings.TrimSpace(content.Sanitize(name))
	if name == "" {
		// Default to the mailbox part of the address.
		name, _, _ = strings.Cut(email, "@")
	}
	if err := content.ValidateDisplayName(name); err != nil {
		return models.User{}, "", ErrInvalidName
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, "", &Error{Code: CodeInternal}
	}

	tx := s.accounts.Lock()
	defer tx.Unlock()
	if _, err := tx.Get(email); err == nil {
		return models.User{}, "", ErrEmailInUse
	}

	user := models.User{
		ID:    uuid.NewString(),
		Name:  name,
		Email: email,
	}
	tx.Set(email, &Account{User: user, PasswordHash: hash})

	token, err := s.generateToken()
	if err != nil {
		return models.User{}, "", &Error{Code: CodeInternal}
	}
	s.liveTokens.Set(token, user.ID)

	return user, token, nil
}

// Login verifies the credentials and returns the user with a fresh token.
// Consecutive failures back off quadratically before the next attempt is
// allowed.
func (s *Service) Login(email, password string) (models.User, string, error) {
	now := s.now()
	tx := s.accounts.Lock()
	defer tx.Unlock()

	account, err := tx.Get(email)
	if err != nil {
		// Same code as a bad password so the response does not leak
		// which emails are registered.
		return models.User{}, "", ErrWrongPassword
	}

	if account.FailedLoginAttempts > 3 {
		nextAttempt := account.LastAttemptTime + 30*(account.FailedLoginAttempts*account.FailedLoginAttempts)
		if now.Unix() < nextAttempt {
			return models.User{}, "", ErrThrottled
		}
	}

	if err := bcrypt.CompareHashAndPassword(account.PasswordHash, []byte(password)); err != nil {
		account.FailedLoginAttempts++
		account.LastAttemptTime = now.Unix()
		return models.User{}, "", ErrWrongPassword
	}

	token, err := s.generateToken()
	if err != nil {
		return models.User{}, "", &Error{Code: CodeInternal}
	}
	s.liveTokens.Set(token, account.ID)
	account.FailedLoginAttempts = 0
	account.LastAttemptTime = now.Unix()

	return account.User, token, nil
}

// Logoff invalidates a live token.
func (s *Service) Logoff(token string) error {
	return s.liveTokens.Del(token)
}

// GetUserID resolves a live token to the user it was issued for.
func (s *Service) GetUserID(token string) (string, error) {
	userID, err := s.liveTokens.Get(token)
	if err != nil {
		return "", ErrInvalidToken
	}
	return userID, nil
}

func (s *Service) generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
