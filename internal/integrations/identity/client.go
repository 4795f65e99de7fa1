package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chat-memory/internal/domain"
	"chat-memory/internal/integrations/paramstore"
)

// AuthError is returned when the identity provider rejects the credentials.
// Reason is meant to be shown to the end user.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "identity: authentication failed: " + e.Reason
}

// HTTPStatusError captures non-2xx responses other than credential rejections.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("identity: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type authRequest struct {
	TenantID    string            `json:"tenantId"`
	Credentials map[string]string `json:"credentials"`
}

type authResponse struct {
	DisplayName string            `json:"displayName"`
	Fields      map[string]string `json:"fields"`
	Token       string            `json:"token"`
}

type rejection struct {
	Reason string `json:"reason"`
	Error  string `json:"error"`
}

// Client exchanges credentials for a profile and an opaque token.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      paramstore.Getter
	paramPrefix string
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client. The provider API key is read from
// <paramPrefix>/identity-token as {"token": "..."}.
func NewClient(ps paramstore.Getter, paramPrefix, baseURL string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("identity: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("identity: parameter prefix must not be empty")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("identity: base url must not be empty")
	}
	c := &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return c, nil
}

func (c *Client) authenticateURL() string {
	return c.baseURL + "/authenticate"
}

func (c *Client) Authenticate(ctx context.Context, tenantID string, credentials map[string]string) (domain.Profile, error) {
	apiKey, err := paramstore.Token(ctx, c.getter, c.paramPrefix+"/identity-token")
	if err != nil {
		return domain.Profile{}, fmt.Errorf("identity: resolve api key: %w", err)
	}

	body, err := json.Marshal(authRequest{TenantID: tenantID, Credentials: credentials})
	if err != nil {
		return domain.Profile{}, fmt.Errorf("identity: marshal request: %w", err)
	}

	url := c.authenticateURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domain.Profile{}, fmt.Errorf("identity: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("identity: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<16))
	if err != nil {
		return domain.Profile{}, fmt.Errorf("identity: read response body: %w", err)
	}

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return domain.Profile{}, &AuthError{Reason: rejectionReason(raw)}
	case res.StatusCode < 200 || res.StatusCode >= 300:
		return domain.Profile{}, &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(raw)}
	}

	var payload authResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.Profile{}, fmt.Errorf("identity: decode response: %w", err)
	}
	if strings.TrimSpace(payload.Token) == "" {
		return domain.Profile{}, errors.New("identity: response carries no token")
	}
	return domain.Profile{
		DisplayName: payload.DisplayName,
		Fields:      payload.Fields,
		Token:       payload.Token,
	}, nil
}

func rejectionReason(raw []byte) string {
	var r rejection
	if err := json.Unmarshal(raw, &r); err == nil {
		if s := strings.TrimSpace(r.Reason); s != "" {
			return s
		}
		if s := strings.TrimSpace(r.Error); s != "" {
			return s
		}
	}
	return "invalid credentials"
}
