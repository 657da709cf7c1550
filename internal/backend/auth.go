package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tetatet/internal/auth"
	"tetatet/internal/models"
)

// AuthError is a rejected credential operation. Code is one of the stable
// auth codes; UserMessage maps it to a short presentable string so raw
// backend error text never reaches the end user.
type AuthError struct {
	Code string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Code)
}

var userMessages = map[string]string{
	auth.CodeInvalidEmail:  "That email address doesn't look right.",
	auth.CodeInvalidName:   "Display names may only use letters, numbers, spaces, dots, dashes and underscores (64 max).",
	auth.CodeEmailInUse:    "An account with this email already exists.",
	auth.CodeWeakPassword:  "Password must be at least 8 characters.",
	auth.CodeWrongPassword: "Wrong email or password.",
	auth.CodeThrottled:     "Too many attempts. Please wait and try again.",
}

const genericAuthMessage = "Something went wrong. Please try again."
const networkAuthMessage = "Network error. Check your connection and try again."

func (e *AuthError) UserMessage() string {
	if msg, ok := userMessages[e.Code]; ok {
		return msg
	}
	return genericAuthMessage
}

// UserMessage returns the presentable string for any credential failure,
// including transport errors.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if authErr, ok := err.(*AuthError); ok {
		return authErr.UserMessage()
	}
	return networkAuthMessage
}

// AuthAPI performs credential operations against the relay's HTTP endpoints.
type AuthAPI struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewAuthAPI(baseURL string) *AuthAPI {
	return &AuthAPI{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Register creates an account and returns the identity with a live token.
func (a *AuthAPI) Register(ctx context.Context, name, email, password string) (models.User, string, error) {
	return a.authCall(ctx, "/api/register", models.RegisterRequest{Name: name, Email: email, Password: password})
}

// Login verifies credentials and returns the identity with a fresh token.
func (a *AuthAPI) Login(ctx context.Context, email, password string) (models.User, string, error) {
	return a.authCall(ctx, "/api/login", models.LoginRequest{Email: email, Password: password})
}

// Logoff invalidates the token.
func (a *AuthAPI) Logoff(ctx context.Context, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/api/logoff", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", token)

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrBackendUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	return nil
}

func (a *AuthAPI) authCall(ctx context.Context, path string, payload any) (models.User, string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return models.User{}, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return models.User{}, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return models.User{}, "", fmt.Errorf("%w: %v", models.ErrBackendUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var authResp models.AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		return models.User{}, "", fmt.Errorf("malformed auth response: %w", err)
	}

	if !authResp.Success {
		return models.User{}, "", &AuthError{Code: authResp.Code}
	}
	if authResp.User == nil {
		return models.User{}, "", fmt.Errorf("auth response missing user")
	}
	return *authResp.User, authResp.Token, nil
}
