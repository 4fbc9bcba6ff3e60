package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/audit"
	"github.com/ManuelReschke/PayFox/internal/pkg/providers"
)

// CredentialSource reveals a provider's active credentials.
type CredentialSource interface {
	Credentials(p *models.Provider) (providers.Credentials, error)
}

// Request is one JSON call against a provider's active base URL.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Body    interface{}
	Headers map[string]string
	Subject audit.Subject
}

// Response is a decoded 2xx reply.
type Response struct {
	StatusCode int
	Body       map[string]interface{}
	Raw        []byte
}

// Client sends authenticated JSON requests to providers. The http.Client is
// expected to carry an audit.Transport so every hop lands in the trail.
type Client struct {
	http   *http.Client
	tokens *TokenManager
	creds  CredentialSource
}

func NewClient(httpClient *http.Client, tokens *TokenManager, creds CredentialSource) *Client {
	return &Client{http: httpClient, tokens: tokens, creds: creds}
}

// Do sends r with a bearer token and correlation id. A 401 invalidates the
// cached token and the request is replayed once.
func (c *Client) Do(ctx context.Context, p *models.Provider, r Request) (*Response, error) {
	ctx, _ = audit.EnsureCorrelationID(ctx)
	subject := r.Subject
	if subject.ProviderID == nil {
		id := p.ID
		subject.ProviderID = &id
	}
	ctx = audit.WithSubject(ctx, subject)

	creds, err := c.creds.Credentials(p)
	if err != nil {
		return nil, fmt.Errorf("failed to reveal credentials for %s: %w", p.Code, err)
	}

	resp, err := c.send(ctx, p, creds, r)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized && c.tokens != nil {
		c.tokens.Invalidate(ctx, p)
		resp, err = c.send(ctx, p, creds, r)
		if err != nil {
			return nil, err
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(resp.StatusCode, resp.Body)
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, p *models.Provider, creds providers.Credentials, r Request) (*Response, error) {
	u := p.ActiveBaseURL() + r.Path
	if len(r.Query) > 0 {
		u += "?" + r.Query.Encode()
	}

	var body io.Reader
	if r.Body != nil {
		b, err := json.Marshal(r.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(audit.HeaderCorrelationID, audit.CorrelationID(ctx))
	if creds.APIKey != "" {
		req.Header.Set("X-API-Key", creds.APIKey)
	}
	if c.tokens != nil && p.TokenPath != "" {
		token, err := c.tokens.Token(ctx, p, creds)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{StatusCode: resp.StatusCode, Err: err}
	}
	out := &Response{StatusCode: resp.StatusCode, Raw: raw, Body: map[string]interface{}{}}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out.Body); err != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil, &RejectedError{StatusCode: resp.StatusCode, Reason: "provider returned malformed JSON"}
		}
	}
	return out, nil
}
