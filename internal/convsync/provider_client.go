package convsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ProviderClient sends outbound messages through the external messaging
// platform and returns the provider-issued message identifier that later
// delivery-status callbacks will reference.
type ProviderClient interface {
	Send(ctx context.Context, to, content string) (string, error)
}

// NoopProviderClient accepts every send and fabricates an identifier. Used in
// tests and when no provider credentials are configured.
type NoopProviderClient struct{}

func (NoopProviderClient) Send(ctx context.Context, to, content string) (string, error) {
	return fmt.Sprintf("noop_%d", time.Now().UnixNano()), nil
}

type HTTPProviderClientOptions struct {
	BaseURL     string
	AccessToken string
	PhoneID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// HTTPProviderClient talks to a WhatsApp-Cloud-style messages endpoint:
// POST {base}/{phoneID}/messages with a bearer token.
type HTTPProviderClient struct {
	baseURL     string
	accessToken string
	phoneID     string
	httpClient  *http.Client
}

func NewHTTPProviderClient(opts HTTPProviderClientOptions) (*HTTPProviderClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" || opts.PhoneID == "" {
		return nil, ErrInvalidInput
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPProviderClient{
		baseURL:     baseURL,
		accessToken: opts.AccessToken,
		phoneID:     opts.PhoneID,
		httpClient:  client,
	}, nil
}

func (c *HTTPProviderClient) Send(ctx context.Context, to, content string) (string, error) {
	if to == "" {
		return "", ErrInvalidInput
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]string{"body": content},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("provider send failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("provider send: invalid response: %w", err)
	}
	if len(parsed.Messages) == 0 || parsed.Messages[0].ID == "" {
		return "", fmt.Errorf("provider send: response missing message id")
	}
	return parsed.Messages[0].ID, nil
}
