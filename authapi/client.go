// Package authapi is a client for the session endpoints of the auth server.
// Only status-code semantics are relied upon; tokens are opaque.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/m1ndvortex/tabsync/netretry"
	"github.com/m1ndvortex/tabsync/session"
)

// Endpoint paths.
const (
	PathLogin           = "/auth/login"
	PathLogout          = "/auth/logout"
	PathRefresh         = "/auth/refresh"
	PathValidateSession = "/auth/validate-session"
	PathVerifySession   = "/auth/verify-session"
)

// Credentials are posted to the login endpoint as is.
type Credentials map[string]string

// SessionResponse is the body returned by login, refresh and validation.
type SessionResponse struct {
	SessionID    string            `json:"sessionId"`
	UserID       string            `json:"userId"`
	Token        string            `json:"token"`
	RefreshToken string            `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time         `json:"expiresAt"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Snapshot converts the response into a session snapshot owned by
// contextID.
func (r SessionResponse) Snapshot(contextID string, now time.Time) session.Snapshot {
	s := session.Snapshot{
		SessionID:     r.SessionID,
		UserID:        r.UserID,
		Token:         r.Token,
		ExpiresAt:     r.ExpiresAt,
		LastActivity:  now,
		IsActive:      true,
		OriginContext: contextID,
	}
	if s.ExpiresAt.IsZero() {
		if exp, ok := session.TokenExpiry(r.Token); ok {
			s.ExpiresAt = exp
		}
	}
	if len(r.Metadata) > 0 {
		s.Metadata = maps.Clone(r.Metadata)
	}
	return s
}

// Client talks to the auth server.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option { return func(cl *Client) { cl.http = c } }

// WithLogger sets the logger. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option { return func(cl *Client) { cl.log = l } }

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login exchanges credentials for a session.
func (c *Client) Login(ctx context.Context, creds Credentials) (SessionResponse, error) {
	var out SessionResponse
	err := c.do(ctx, http.MethodPost, PathLogin, "", creds, &out)
	return out, err
}

// Logout invalidates token on the server.
func (c *Client) Logout(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, PathLogout, token, struct{}{}, nil)
}

// Refresh trades a refresh credential for a new session.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (SessionResponse, error) {
	var out SessionResponse
	err := c.do(ctx, http.MethodPost, PathRefresh, "", map[string]string{"refreshToken": refreshToken}, &out)
	return out, err
}

// ValidateSession asks the server whether sessionID backed by token can
// be resumed, returning the current session when it can.
func (c *Client) ValidateSession(ctx context.Context, sessionID, token string) (SessionResponse, error) {
	var out SessionResponse
	err := c.do(ctx, http.MethodPost, PathValidateSession, token, map[string]string{"sessionId": sessionID}, &out)
	return out, err
}

// VerifySession checks whether token is still accepted. A rejected token
// yields a *netretry.StatusError carrying the status, typically 401.
func (c *Client) VerifySession(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodGet, PathVerifySession, token, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("authapi: encode %s body: %w", path, err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("authapi: build %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.DebugContext(ctx, "authapi.transport_error", slog.String("path", path), slog.String("err", err.Error()))
		return fmt.Errorf("authapi: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.log.DebugContext(ctx, "authapi.status", slog.String("path", path), slog.Int("status", resp.StatusCode))
		return &netretry.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("authapi: decode %s response: %w", path, err)
	}
	return nil
}
