package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"otpattend/internal/otp"
)

// Active is the code-free view of a session's live credential.
type Active struct {
	SessionID   string    `json:"session_id"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Generation  uint64    `json:"generation"`
	RemainingMS int64     `json:"remaining_ms"`
}

// Client calls the check-in API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// New creates a client with a short timeout; codes live for seconds.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (c *Client) sessionURL(sessionID, suffix string) string {
	return c.BaseURL + "/v1/sessions/" + url.PathEscape(sessionID) + suffix
}

// VerifyCode submits a code. Rejections come back as outcomes; the error is
// set for transport, identity and server failures.
func (c *Client) VerifyCode(ctx context.Context, req otp.VerifyRequest) (otp.VerifyResult, error) {
	body, _ := json.Marshal(map[string]any{
		"code":             req.Code,
		"client_timestamp": req.ClientTimestamp,
	})
	var out otp.VerifyResult
	if err := c.do(ctx, http.MethodPost, c.sessionURL(req.SessionID, "/verify"), body, &out); err != nil {
		return otp.VerifyResult{}, err
	}
	return out, nil
}

// ActiveCredential fetches expiry data for the countdown.
func (c *Client) ActiveCredential(ctx context.Context, sessionID string) (Active, error) {
	var out Active
	if err := c.do(ctx, http.MethodGet, c.sessionURL(sessionID, "/credentials/active"), nil, &out); err != nil {
		return Active{}, err
	}
	return out, nil
}

// IssueCredential asks the server for a fresh code. Instructor tokens only.
func (c *Client) IssueCredential(ctx context.Context, sessionID string) (otp.Credential, error) {
	var out otp.Credential
	if err := c.do(ctx, http.MethodPost, c.sessionURL(sessionID, "/credentials"), nil, &out); err != nil {
		return otp.Credential{}, err
	}
	return out, nil
}

// Health checks if the API is available.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.BaseURL+"/healthz", nil, nil)
}

func (c *Client) do(ctx context.Context, method, target string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: request failed: %w", otp.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return statusError(resp, bodyBytes)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response, body []byte) error {
	msg := string(body)
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", otp.ErrUnauthorized, msg)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", otp.ErrNotFound, msg)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: server error %s: %s", otp.ErrTransient, resp.Status, msg)
	default:
		return fmt.Errorf("server error %s: %s", resp.Status, msg)
	}
}
