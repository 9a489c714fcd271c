package directory

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"chatcore/internal/logging"
	"chatcore/internal/session"
	"chatcore/internal/types"
)

// AuthClient talks to the authentication service. It implements
// session.Auth; chatcore treats the protocol behind these three calls as
// opaque.
type AuthClient struct {
	baseURL string
	http    *http.Client
}

// NewAuthClient creates an auth client for the given base URL.
func NewAuthClient(baseURL string, timeout time.Duration) *AuthClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AuthClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type loginResponse struct {
	Identity types.Identity `json:"identity"`
	Token    string         `json:"token"`
}

type validateResponse struct {
	Identity types.Identity `json:"identity"`
}

// Login authenticates and returns the identity plus a bearer token.
func (a *AuthClient) Login(ctx context.Context, creds session.Credentials) (types.Identity, string, error) {
	timer := logging.StartTimer(logging.CategoryDirectory, "AuthLogin")
	defer timer.Stop()

	c := Client{baseURL: a.baseURL, http: a.http}
	var resp loginResponse
	if err := c.postJSON(ctx, a.baseURL+"/v1/auth/login", creds, &resp); err != nil {
		return types.Identity{}, "", fmt.Errorf("auth login: %w", err)
	}
	return resp.Identity, resp.Token, nil
}

// Validate checks a persisted token and returns the identity it belongs to.
func (a *AuthClient) Validate(ctx context.Context, token string) (types.Identity, error) {
	timer := logging.StartTimer(logging.CategoryDirectory, "AuthValidate")
	defer timer.Stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/auth/validate", nil)
	if err != nil {
		return types.Identity{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	c := Client{baseURL: a.baseURL, http: a.http}
	var resp validateResponse
	if err := c.do(req, &resp); err != nil {
		return types.Identity{}, fmt.Errorf("auth validate: %w", err)
	}
	if !resp.Identity.Valid() {
		return types.Identity{}, fmt.Errorf("auth validate: empty identity")
	}
	return resp.Identity, nil
}

// Logout invalidates the token server-side. Best effort by callers.
func (a *AuthClient) Logout(ctx context.Context, token string) error {
	timer := logging.StartTimer(logging.CategoryDirectory, "AuthLogout")
	defer timer.Stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/auth/logout", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	c := Client{baseURL: a.baseURL, http: a.http}
	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("auth logout: %w", err)
	}
	return nil
}
